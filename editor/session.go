// Package editor is the in-process editing session embedding UIs drive:
// open a template (stored or empty), apply edits and pastes, resolve
// foreign images opportunistically in the background, save through the
// pipeline, and tear down safely while work is still in flight.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/mailkit/pipeline"
	"github.com/hazyhaar/mailkit/profile"
	"github.com/hazyhaar/mailkit/resolver"
	"github.com/hazyhaar/mailkit/richdoc"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("editor: session closed")

// Loader reads a stored template.
type Loader interface {
	Load(ctx context.Context, owner, slot string) (*profile.Record, error)
}

// Resolver runs one resolver pass over markup.
type Resolver interface {
	Resolve(ctx context.Context, markup string, skip map[string]bool) (*resolver.Pass, error)
}

// Saver runs the save pipeline.
type Saver interface {
	Save(ctx context.Context, doc *richdoc.Document) (*pipeline.Result, error)
}

// Config tunes background resolution.
type Config struct {
	// Debounce delays the opportunistic resolve after the last edit.
	// Default: 500ms.
	Debounce time.Duration
	// NoBackgroundResolve disables opportunistic resolution; foreign images
	// are then only rehosted on Save.
	NoBackgroundResolve bool
}

func (c *Config) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
}

// Session is one editor instance bound to a document.
type Session struct {
	doc      *richdoc.Document
	resolver Resolver
	saver    Saver
	cfg      Config
	token    *Token
	logger   *slog.Logger

	unsubscribe func()
	wg          sync.WaitGroup
	mu          sync.Mutex
	timer       *time.Timer
}

// Open loads (owner, slot) from loader, or starts an empty document when
// nothing is stored yet.
func Open(ctx context.Context, loader Loader, owner string, slot richdoc.Slot, cls richdoc.Classifier,
	res Resolver, saver Saver, cfg Config, logger *slog.Logger) (*Session, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	markup := ""
	rec, err := loader.Load(ctx, owner, string(slot))
	switch {
	case err == nil:
		markup = rec.Markup
	case errors.Is(err, profile.ErrNotFound):
	default:
		return nil, fmt.Errorf("editor: open %s/%s: %w", owner, slot, err)
	}

	s := &Session{
		doc:      richdoc.New(owner, slot, markup, cls),
		resolver: res,
		saver:    saver,
		cfg:      cfg,
		token:    newToken(),
		logger:   logger.With("owner", owner, "slot", slot),
	}
	s.unsubscribe = s.doc.OnChange(s.onChange)
	return s, nil
}

func (s *Session) Document() *richdoc.Document { return s.doc }

// Token exposes the liveness token.
func (s *Session) Token() *Token { return s.token }

// Edit replaces the document markup.
func (s *Session) Edit(markup string) error {
	if !s.token.Alive() {
		return ErrClosed
	}
	s.doc.Edit(markup)
	return nil
}

// Paste appends a pasted fragment.
func (s *Session) Paste(fragment string) error {
	if !s.token.Alive() {
		return ErrClosed
	}
	s.doc.Paste(fragment)
	return nil
}

func (s *Session) onChange(c richdoc.Change) {
	// Resolver writes must not schedule another resolve of their own output.
	if c.Origin == richdoc.OriginResolver || s.doc.Guard().Active() {
		return
	}
	if s.cfg.NoBackgroundResolve {
		return
	}
	s.schedule()
}

func (s *Session) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.cfg.Debounce, func() {
		s.token.Do(func() { s.ResolveAsync() })
	})
}

func (s *Session) stopTimer() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

// ResolveAsync starts one background resolver pass over the current
// markup. Its result is applied only if the session is still open and the
// document has not changed since the pass started.
func (s *Session) ResolveAsync() {
	markup, rev := s.doc.State()
	if len(richdoc.Foreign(markup, s.doc.Classifier())) == 0 {
		return
	}
	skip := make(map[string]bool)
	for u := range s.doc.Failures() {
		skip[u] = true
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pass, err := s.resolver.Resolve(s.token.Context(), markup, skip)
		s.token.Do(func() {
			if err != nil {
				s.logger.Debug("editor: background resolve abandoned", "error", err)
				return
			}
			for _, f := range pass.Failures {
				s.doc.RecordFailure(f.URL, f.Reason)
			}
			if pass.Changed && !s.doc.ApplyResolved(rev, pass.Markup) {
				s.logger.Debug("editor: stale background resolve dropped", "rev", rev)
			}
		})
	}()
}

// Save runs the pipeline. Closing the session cancels an in-flight save.
func (s *Session) Save(ctx context.Context) (*pipeline.Result, error) {
	if !s.token.Alive() {
		return nil, ErrClosed
	}
	s.stopTimer()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.token.Context(), cancel)
	defer stop()

	return s.saver.Save(ctx, s.doc)
}

// Close tears the session down. Outstanding work is cancelled and any
// continuation that arrives later is refused. Close does not wait.
func (s *Session) Close() {
	s.token.Cancel()
	s.stopTimer()
	s.unsubscribe()
}

// Wait blocks until background passes started by the session returned.
func (s *Session) Wait() { s.wg.Wait() }
