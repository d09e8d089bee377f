// Package pipeline drives one template save: resolve foreign images to a
// fixpoint, render a snapshot, publish it under the (owner, slot) key and
// persist the template.
//
// Render and publish failures are soft: the template still saves and the
// previously published snapshot reference is left as it was. A resolver
// that cannot reach a fixpoint within its pass budget, or a failed persist,
// aborts the save.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/mailkit/idgen"
	"github.com/hazyhaar/mailkit/profile"
	"github.com/hazyhaar/mailkit/publish"
	"github.com/hazyhaar/mailkit/render"
	"github.com/hazyhaar/mailkit/resolver"
	"github.com/hazyhaar/mailkit/richdoc"
)

// Stage is a state of the save state machine.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageResolving  Stage = "resolving"
	StageRendering  Stage = "rendering"
	StagePublishing Stage = "publishing"
	StagePersisting Stage = "persisting"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// ErrNoFixpoint is returned when foreign images remain pending after the
// last allowed resolver pass.
var ErrNoFixpoint = errors.New("pipeline: resolver did not reach a fixpoint")

// StageError is a fatal failure of one stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// WarningKind classifies a non-fatal failure.
type WarningKind string

const (
	WarnImport  WarningKind = "import"
	WarnRender  WarningKind = "render"
	WarnPublish WarningKind = "publish"
)

// Warning is one non-fatal failure surfaced to the caller.
type Warning struct {
	Kind   WarningKind `json:"kind"`
	URL    string      `json:"url,omitempty"`
	Reason string      `json:"reason"`
}

// Result is what a save returns to the caller.
type Result struct {
	OperationID        string          `json:"operation_id"`
	SavedDocument      *profile.Record `json:"saved_document"`
	SnapshotArtifactID *string         `json:"snapshot_artifact_id"`
	Warnings           []Warning       `json:"warnings"`
	Passes             int             `json:"passes"`
	Stages             []Stage         `json:"stages"`
}

// Summary is one consolidated message naming every affected resource, or
// "" when the save had no warnings.
func (r *Result) Summary() string {
	if len(r.Warnings) == 0 {
		return ""
	}
	var imports []string
	var other []string
	for _, w := range r.Warnings {
		if w.Kind == WarnImport {
			imports = append(imports, w.URL)
			continue
		}
		other = append(other, fmt.Sprintf("%s failed (%s)", w.Kind, w.Reason))
	}
	var parts []string
	if len(imports) > 0 {
		parts = append(parts, fmt.Sprintf("%d image(s) could not be copied and still point to their original host: %s",
			len(imports), strings.Join(imports, ", ")))
	}
	if len(other) > 0 {
		parts = append(parts, "snapshot not updated: "+strings.Join(other, "; "))
	}
	return "Saved with warnings. " + strings.Join(parts, ". ") + "."
}

// DocumentResolver runs one resolver pass over a document.
type DocumentResolver interface {
	ResolveDocument(ctx context.Context, doc *richdoc.Document) (*resolver.Pass, bool, error)
}

type Renderer interface {
	Render(ctx context.Context, markup string) (*render.Snapshot, error)
}

type Publisher interface {
	Publish(ctx context.Context, owner string, slot richdoc.Slot, data []byte, contentType string) (*publish.Artifact, error)
}

// EntityStore persists the template on the owner's record.
type EntityStore interface {
	Save(ctx context.Context, u profile.Update) (*profile.Record, error)
}

// Config bounds the orchestrator.
type Config struct {
	MaxPasses    int  `yaml:"max_passes"`    // resolver passes per save. Default: 3.
	SkipSanitize bool `yaml:"skip_sanitize"` // keep markup outside the template HTML subset
}

func (c *Config) defaults() {
	if c.MaxPasses <= 0 {
		c.MaxPasses = 3
	}
}

// Orchestrator runs saves. Renderer and Publisher may be nil, in which case
// no snapshot is produced.
type Orchestrator struct {
	resolver  DocumentResolver
	renderer  Renderer
	publisher Publisher
	store     EntityStore
	cfg       Config
	ids       idgen.Generator
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMetrics(m *Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }
func WithIDGenerator(g idgen.Generator) Option { return func(o *Orchestrator) { o.ids = g } }

func New(res DocumentResolver, rnd Renderer, pub Publisher, store EntityStore, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		resolver:  res,
		renderer:  rnd,
		publisher: pub,
		store:     store,
		cfg:       cfg,
		ids:       idgen.Prefixed("save_", idgen.Default),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// save carries the state of one run.
type save struct {
	o        *Orchestrator
	doc      *richdoc.Document
	log      *slog.Logger
	res      *Result
	stage    Stage
	started  time.Time
	failures map[string]string
	order    []string
}

func (s *save) enter(st Stage) {
	if s.stage != StageIdle {
		s.o.metrics.observeStage(s.stage, s.started)
	}
	s.stage = st
	s.started = time.Now()
	s.res.Stages = append(s.res.Stages, st)
	s.log.Debug("pipeline: stage", "stage", st)
}

func (s *save) fail(err error) error {
	s.o.metrics.stageFailed(s.stage)
	s.o.metrics.save("failed")
	failed := s.stage
	s.enter(StageFailed)
	s.log.Error("pipeline: save failed", "stage", failed, "error", err)
	return &StageError{Stage: failed, Err: err}
}

func (s *save) warn(w Warning) {
	s.res.Warnings = append(s.res.Warnings, w)
	s.log.Warn("pipeline: warning", "kind", w.Kind, "url", w.URL, "reason", w.Reason)
}

// Save runs the pipeline for doc. On success the document is marked clean
// at the revision that was persisted. The returned error is a *StageError.
func (o *Orchestrator) Save(ctx context.Context, doc *richdoc.Document) (*Result, error) {
	s := &save{
		o:        o,
		doc:      doc,
		res:      &Result{OperationID: o.ids(), Warnings: []Warning{}},
		stage:    StageIdle,
		failures: make(map[string]string),
	}
	s.log = o.logger.With("op", s.res.OperationID, "owner", doc.Owner(), "slot", doc.Slot())
	s.res.Stages = append(s.res.Stages, StageIdle)

	// Each save gets one fresh attempt at previously failed images.
	doc.ResetFailures()

	s.enter(StageResolving)
	if err := s.normalize(ctx); err != nil {
		return nil, s.fail(err)
	}
	if err := s.resolve(ctx); err != nil {
		return nil, s.fail(err)
	}

	markup, rev := doc.State()
	var artifactID *string
	if o.renderer != nil && o.publisher != nil {
		artifactID = s.snapshot(ctx, markup)
	}

	s.enter(StagePersisting)
	plain, err := richdoc.PlainText(markup)
	if err != nil {
		s.log.Warn("pipeline: plain text conversion failed", "error", err)
	}
	rec, err := o.store.Save(ctx, profile.Update{
		Owner:      doc.Owner(),
		Slot:       string(doc.Slot()),
		Markup:     markup,
		PlainText:  plain,
		SnapshotID: artifactID,
	})
	if err != nil {
		return nil, s.fail(err)
	}
	// A cancelled owner no longer receives state changes.
	if ctx.Err() == nil {
		doc.MarkClean(rev)
	}

	s.res.SavedDocument = rec
	s.res.SnapshotArtifactID = artifactID
	s.enter(StageDone)
	if len(s.res.Warnings) > 0 {
		o.metrics.save("warnings")
	} else {
		o.metrics.save("ok")
	}
	s.log.Info("pipeline: saved", "passes", s.res.Passes, "warnings", len(s.res.Warnings),
		"snapshot", artifactID != nil)
	return s.res, nil
}

// normalize reduces the markup to the template subset and makes owned
// image sources absolute. A write that loses a race with an edit, or that
// a listener answers with another edit, is redone on the new markup, up to
// MaxPasses rounds.
func (s *save) normalize(ctx context.Context) error {
	for round := 0; round < s.o.cfg.MaxPasses; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		markup, rev := s.doc.State()
		clean := markup
		if !s.o.cfg.SkipSanitize {
			clean = richdoc.Sanitize(clean)
		}
		clean, _ = richdoc.AbsoluteOwned(clean, s.doc.Classifier())
		if clean == markup {
			return nil
		}
		if s.doc.ApplyResolved(rev, clean) && s.doc.Revision() == rev+1 {
			return nil
		}
		s.log.Debug("pipeline: markup changed during normalize", "round", round+1)
	}
	return fmt.Errorf("%w: markup kept changing during normalize", ErrNoFixpoint)
}

// resolve loops resolver passes until no foreign reference is pending.
func (s *save) resolve(ctx context.Context) error {
	for s.res.Passes < s.o.cfg.MaxPasses {
		if pending := pendingForeign(s.doc); pending == 0 {
			break
		}
		s.res.Passes++
		pass, _, err := s.o.resolver.ResolveDocument(ctx, s.doc)
		if err != nil {
			return err
		}
		s.o.metrics.importResults(len(pass.Imported), len(pass.Failures))
		for _, f := range pass.Failures {
			if _, seen := s.failures[f.URL]; !seen {
				s.order = append(s.order, f.URL)
			}
			s.failures[f.URL] = f.Reason
		}
	}
	s.o.metrics.observePasses(s.res.Passes)

	if pending := pendingForeign(s.doc); pending > 0 {
		return fmt.Errorf("%w: %d pending after %d passes", ErrNoFixpoint, pending, s.res.Passes)
	}

	// Only failures still referenced by the final markup are reported.
	present := make(map[string]bool)
	for _, ref := range s.doc.References() {
		if ref.Status == richdoc.StatusFailed {
			present[ref.URL] = true
		}
	}
	for _, u := range s.order {
		if present[u] {
			s.warn(Warning{Kind: WarnImport, URL: u, Reason: s.failures[u]})
		}
	}
	return nil
}

// snapshot renders and publishes. Failures become warnings and yield nil.
func (s *save) snapshot(ctx context.Context, markup string) *string {
	s.enter(StageRendering)
	failed := make(map[string]bool)
	for _, w := range s.res.Warnings {
		if w.Kind == WarnImport {
			failed[w.URL] = true
		}
	}
	snap, err := s.o.renderer.Render(ctx, richdoc.Neutralize(markup, failed))
	if err != nil {
		s.o.metrics.stageFailed(StageRendering)
		s.warn(Warning{Kind: WarnRender, Reason: err.Error()})
		return nil
	}

	s.enter(StagePublishing)
	art, err := s.o.publisher.Publish(ctx, s.doc.Owner(), s.doc.Slot(), snap.Data, snap.ContentType)
	if err != nil {
		s.o.metrics.stageFailed(StagePublishing)
		s.warn(Warning{Kind: WarnPublish, Reason: err.Error()})
		return nil
	}
	id := art.ID
	return &id
}

func pendingForeign(doc *richdoc.Document) int {
	n := 0
	for _, ref := range doc.References() {
		if ref.Origin == richdoc.OriginForeign && ref.Status == richdoc.StatusPending {
			n++
		}
	}
	return n
}
