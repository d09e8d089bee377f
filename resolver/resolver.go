// Package resolver rehosts foreign images referenced by template markup.
//
// One pass scans the markup, imports every foreign image through the blob
// store with bounded parallelism, and applies all successful rewrites as a
// single replace once every import of the pass has finished. Failures leave
// the reference untouched and are collected into one ImportReport.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/mailkit/blobstore"
	"github.com/hazyhaar/mailkit/richdoc"
)

// Config controls import concurrency and timeouts.
type Config struct {
	Workers      int           `yaml:"workers"`       // concurrent imports per pass. Default: 4.
	FetchTimeout time.Duration `yaml:"fetch_timeout"` // per import. Default: 10s.
	CacheTTL     time.Duration `yaml:"cache_ttl"`     // foreign URL -> owned id memo. Default: 30m.
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Minute
	}
}

// ErrReentrant is returned by ResolveDocument when called from inside the
// document's own resolver write notification.
var ErrReentrant = errors.New("resolver: resolver write in flight")

// Resolver rehosts foreign images. Safe for concurrent use.
type Resolver struct {
	store  blobstore.Store
	cls    richdoc.Classifier
	cfg    Config
	memo   *cache.Cache
	logger *slog.Logger
}

// New creates a Resolver importing through store. Imported ids are turned
// into owned URLs with cls.
func New(store blobstore.Store, cls richdoc.Classifier, cfg Config, logger *slog.Logger) *Resolver {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		cls:    cls,
		cfg:    cfg,
		memo:   cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger: logger,
	}
}

// Pass is the outcome of one scan over a markup string.
type Pass struct {
	Markup   string            // rewritten markup (unchanged when nothing resolved)
	Changed  bool              // at least one reference was rewritten
	Imported map[string]string // foreign URL -> owned URL
	Failures []ImportFailure   // in document order
	Skipped  int               // foreign refs passed over because listed in skip
}

// Report returns the pass failures as one error, or nil.
func (p *Pass) Report() error {
	if len(p.Failures) == 0 {
		return nil
	}
	return &ImportReport{Failures: p.Failures}
}

// Resolve runs one pass over markup. Foreign URLs present in skip are left
// alone without a fetch (they already failed during this save). The
// returned error is non-nil only when ctx ends before the pass completes;
// in that case no rewrite is produced.
func (r *Resolver) Resolve(ctx context.Context, markup string, skip map[string]bool) (*Pass, error) {
	pass := &Pass{Markup: markup, Imported: make(map[string]string)}

	var todo []string
	for _, u := range richdoc.Foreign(markup, r.cls) {
		if skip[u] {
			pass.Skipped++
			continue
		}
		if id, ok := r.memo.Get(u); ok {
			pass.Imported[u] = r.cls.OwnedURL(id.(string))
			continue
		}
		todo = append(todo, u)
	}

	failures := make([]*ImportFailure, len(todo))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, u := range todo {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			id, err := r.importOne(ctx, u)
			if err != nil {
				failures[i] = &ImportFailure{URL: u, Reason: reason(err, r.cfg.FetchTimeout), Err: err}
				return nil
			}
			r.memo.SetDefault(u, id)
			mu.Lock()
			pass.Imported[u] = r.cls.OwnedURL(id)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("resolver: pass abandoned: %w", err)
	}

	for _, f := range failures {
		if f != nil {
			pass.Failures = append(pass.Failures, *f)
			r.logger.Warn("resolver: import failed", "url", f.URL, "reason", f.Reason)
		}
	}
	pass.Markup, pass.Changed = richdoc.Rehost(markup, pass.Imported)
	if abs, changed := richdoc.AbsoluteOwned(pass.Markup, r.cls); changed {
		pass.Markup, pass.Changed = abs, true
	}
	return pass, nil
}

func (r *Resolver) importOne(ctx context.Context, u string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	id, err := r.store.Import(ctx, u)
	if err != nil {
		return "", err
	}
	r.logger.Debug("resolver: imported", "url", u, "id", id)
	return id, nil
}

// ResolveDocument runs one pass over doc and applies the result. Failed
// URLs are recorded on the document and skipped by later passes until
// doc.ResetFailures. applied is false when the document changed while the
// pass was running; the caller may run another pass.
func (r *Resolver) ResolveDocument(ctx context.Context, doc *richdoc.Document) (pass *Pass, applied bool, err error) {
	if doc.Guard().Active() {
		return nil, false, ErrReentrant
	}
	markup, rev := doc.State()
	pass, err = r.Resolve(ctx, markup, failedSet(doc))
	if err != nil {
		return nil, false, err
	}
	// The owner may have gone away while the last import returned.
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("resolver: pass abandoned: %w", err)
	}
	for _, f := range pass.Failures {
		doc.RecordFailure(f.URL, f.Reason)
	}
	if !pass.Changed {
		return pass, doc.Revision() == rev, nil
	}
	return pass, doc.ApplyResolved(rev, pass.Markup), nil
}

func failedSet(doc *richdoc.Document) map[string]bool {
	f := doc.Failures()
	out := make(map[string]bool, len(f))
	for u := range f {
		out[u] = true
	}
	return out
}

// ImportFailure is one foreign image that could not be rehosted.
type ImportFailure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// ImportReport aggregates the failures of a pass or of a whole save.
type ImportReport struct {
	Failures []ImportFailure
}

func (e *ImportReport) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.URL + " (" + f.Reason + ")"
	}
	noun := "imports"
	if len(parts) == 1 {
		noun = "import"
	}
	return fmt.Sprintf("resolver: %d image %s failed: %s", len(parts), noun, strings.Join(parts, "; "))
}

// reason renders err as a short operator-facing message.
func reason(err error, timeout time.Duration) string {
	var fe *blobstore.FetchError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out after %s", timeout)
	case errors.Is(err, blobstore.ErrNotImage):
		return "not a supported image"
	case errors.Is(err, blobstore.ErrHostUnavailable):
		return "host temporarily unavailable"
	case errors.As(err, &fe) && fe.StatusCode != 0:
		return fmt.Sprintf("http %d", fe.StatusCode)
	}
	return err.Error()
}
