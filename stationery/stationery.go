// Package stationery wires the mailkit components into one service: blob
// and template storage on SQLite, the resolver, the Chrome renderer, the
// publisher and the save pipeline. It exposes them over HTTP (Handler)
// and MCP (RegisterMCP).
package stationery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/mailkit/blobstore"
	"github.com/hazyhaar/mailkit/dbopen"
	"github.com/hazyhaar/mailkit/editor"
	"github.com/hazyhaar/mailkit/horosafe"
	"github.com/hazyhaar/mailkit/internal/browser"
	"github.com/hazyhaar/mailkit/pipeline"
	"github.com/hazyhaar/mailkit/profile"
	"github.com/hazyhaar/mailkit/publish"
	"github.com/hazyhaar/mailkit/render"
	"github.com/hazyhaar/mailkit/resolver"
	"github.com/hazyhaar/mailkit/richdoc"
)

// ErrInvalidOwner is returned for owner ids unusable as storage keys.
var ErrInvalidOwner = errors.New("stationery: invalid owner id")

// Service is the assembled mailkit service.
type Service struct {
	cfg      Config
	logger   *slog.Logger
	db       *sql.DB
	ownDB    bool
	cls      richdoc.Classifier
	blobs    *blobstore.SQLStore
	profiles *profile.Store
	resolver *resolver.Resolver
	renderer *render.Renderer
	orch     *pipeline.Orchestrator
	browser  *browser.Manager
	registry *prometheus.Registry
}

// Option customises New.
type Option func(*options)

type options struct {
	db       *sql.DB
	engine   render.Engine
	registry *prometheus.Registry
}

// WithDB uses db instead of opening cfg.DBPath. Schemas are still applied.
func WithDB(db *sql.DB) Option { return func(o *options) { o.db = db } }

// WithEngine replaces the Chrome render engine.
func WithEngine(e render.Engine) Option { return func(o *options) { o.engine = e } }

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option { return func(o *options) { o.registry = reg } }

// New assembles the service.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{cfg: cfg, logger: logger, db: o.db}
	if s.db == nil {
		db, err := dbopen.Open(cfg.DBPath,
			dbopen.WithMkdirAll(),
			dbopen.WithSchema(blobstore.Schema),
			dbopen.WithSchema(profile.Schema))
		if err != nil {
			return nil, fmt.Errorf("stationery: open db: %w", err)
		}
		s.db, s.ownDB = db, true
	} else {
		for _, ddl := range []string{blobstore.Schema, profile.Schema} {
			if _, err := s.db.Exec(ddl); err != nil {
				return nil, fmt.Errorf("stationery: apply schema: %w", err)
			}
		}
	}

	s.registry = o.registry
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	metrics, err := pipeline.NewMetrics(s.registry)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("stationery: metrics: %w", err)
	}

	s.cls = richdoc.Classifier{OwnedBase: cfg.BlobBase()}
	s.blobs = blobstore.NewSQLStore(s.db, cfg.Fetch, logger)
	s.profiles = profile.NewStore(s.db)
	s.resolver = resolver.New(s.blobs, s.cls, cfg.Resolver, logger)

	var (
		rnd pipeline.Renderer
		pub pipeline.Publisher
	)
	if !cfg.SnapshotsDisabled {
		engine := o.engine
		if engine == nil {
			bcfg := cfg.Browser
			bcfg.Logger = logger
			s.browser = browser.NewManager(bcfg)
			engine = render.NewRodEngine(s.browser)
		}
		s.renderer = render.New(engine, s.cls, cfg.Render, logger)
		rnd = s.renderer
		pub = publish.New(s.blobs, logger)
	}
	s.orch = pipeline.New(s.resolver, rnd, pub, s.profiles, cfg.Pipeline, logger, pipeline.WithMetrics(metrics))
	return s, nil
}

// Close releases Chrome and the database (when opened by New).
func (s *Service) Close() error {
	if s.browser != nil {
		s.browser.Close()
	}
	if s.ownDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Service) Config() Config                 { return s.cfg }
func (s *Service) Classifier() richdoc.Classifier { return s.cls }
func (s *Service) Registry() *prometheus.Registry { return s.registry }

func parseTarget(owner, slot string) (richdoc.Slot, error) {
	if err := horosafe.ValidateIdentifier(owner); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOwner, err)
	}
	return richdoc.ParseSlot(slot)
}

// SaveTemplate runs the save pipeline for markup submitted as a whole.
func (s *Service) SaveTemplate(ctx context.Context, owner, slot, markup string) (*pipeline.Result, error) {
	sl, err := parseTarget(owner, slot)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SaveTimeout)
	defer cancel()
	return s.orch.Save(ctx, richdoc.New(owner, sl, markup, s.cls))
}

// GetTemplate returns the stored template.
func (s *Service) GetTemplate(ctx context.Context, owner, slot string) (*profile.Record, error) {
	if _, err := parseTarget(owner, slot); err != nil {
		return nil, err
	}
	return s.profiles.Load(ctx, owner, slot)
}

// ListTemplates returns every stored template of owner.
func (s *Service) ListTemplates(ctx context.Context, owner string) ([]profile.Record, error) {
	if err := horosafe.ValidateIdentifier(owner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOwner, err)
	}
	return s.profiles.List(ctx, owner)
}

// SnapshotURL is the stable URL consumers embed for (owner, slot). It does
// not change when the template is edited.
func (s *Service) SnapshotURL(owner, slot string) (string, error) {
	sl, err := parseTarget(owner, slot)
	if err != nil {
		return "", err
	}
	key, err := publish.Key(owner, sl)
	if err != nil {
		return "", err
	}
	return s.cfg.PublicURL + "/" + key, nil
}

// Snapshot returns the published artifact blob for (owner, slot).
func (s *Service) Snapshot(ctx context.Context, owner, slot string) (*blobstore.Blob, error) {
	sl, err := parseTarget(owner, slot)
	if err != nil {
		return nil, err
	}
	key, err := publish.Key(owner, sl)
	if err != nil {
		return nil, err
	}
	return s.blobs.Fetch(ctx, key)
}

// UploadImage stores an inline editor image content-addressed and returns
// its owned URL.
func (s *Service) UploadImage(ctx context.Context, owner string, data []byte) (id, url string, err error) {
	if err := horosafe.ValidateIdentifier(owner); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidOwner, err)
	}
	contentType, err := blobstore.SniffImage(data)
	if err != nil {
		return "", "", err
	}
	id, err = s.blobs.Upload(ctx, data, contentType, "")
	if err != nil {
		return "", "", err
	}
	s.logger.Info("stationery: image uploaded", "owner", owner, "id", id, "size", len(data))
	return id, s.cls.OwnedURL(id), nil
}

// OpenEditor starts an in-process editing session on (owner, slot).
func (s *Service) OpenEditor(ctx context.Context, owner, slot string, cfg editor.Config) (*editor.Session, error) {
	sl, err := parseTarget(owner, slot)
	if err != nil {
		return nil, err
	}
	return editor.Open(ctx, s.profiles, owner, sl, s.cls, s.resolver, s.orch, cfg, s.logger)
}
