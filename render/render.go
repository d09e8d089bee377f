// Package render rasterizes resolved template markup into a static image
// for consumers that cannot execute HTML.
//
// The Renderer drives an Engine: it mounts the markup in an offscreen,
// non-interactive container of fixed width, waits for every image to reach
// a terminal state (bounded by a ceiling), lets layout settle, then
// captures the container at a device scale of at least 2. The surface is
// torn down on every exit path.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/hazyhaar/mailkit/richdoc"
)

// Config controls snapshot geometry and timing.
type Config struct {
	Width          int           `yaml:"width"`           // CSS px. Default: 600.
	Scale          float64       `yaml:"scale"`           // device pixel ratio, never below 2.
	BarrierTimeout time.Duration `yaml:"barrier_timeout"` // image load ceiling. Default: 5s.
	Settle         time.Duration `yaml:"settle"`          // reflow delay after the barrier. Default: 150ms.
	Format         string        `yaml:"format"`          // "png" or "jpeg". Default: png.
	Quality        int           `yaml:"quality"`         // jpeg only. Default: 90.
	Timeout        time.Duration `yaml:"timeout"`         // whole render. Default: 30s.
}

func (c *Config) defaults() {
	if c.Width <= 0 {
		c.Width = 600
	}
	if c.Scale < 2 {
		c.Scale = 2
	}
	if c.BarrierTimeout <= 0 {
		c.BarrierTimeout = 5 * time.Second
	}
	if c.Settle < 0 {
		c.Settle = 0
	} else if c.Settle == 0 {
		c.Settle = 150 * time.Millisecond
	}
	if c.Format != "jpeg" {
		c.Format = "png"
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 90
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// ContentType returns the MIME type of snapshots produced with c.
func (c Config) ContentType() string {
	if c.Format == "jpeg" {
		return "image/jpeg"
	}
	return "image/png"
}

var (
	// ErrUnresolved is returned when the markup still holds foreign images.
	ErrUnresolved = errors.New("render: markup has unresolved foreign images")
	// ErrEmptyRaster is returned when the engine produced no bytes.
	ErrEmptyRaster = errors.New("render: empty raster")
)

// Snapshot is one rendered raster.
type Snapshot struct {
	Data        []byte
	ContentType string
	Width       int // pixels
	Height      int
	Images      []ImageLoad
	RenderedAt  time.Time
}

// Renderer produces snapshots. Safe for concurrent use if the Engine is.
type Renderer struct {
	engine Engine
	cls    richdoc.Classifier
	cfg    Config
	logger *slog.Logger
}

// New creates a Renderer. cls identifies owned images; any other remote
// image in the markup makes Render fail with ErrUnresolved.
func New(engine Engine, cls richdoc.Classifier, cfg Config, logger *slog.Logger) *Renderer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{engine: engine, cls: cls, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (r *Renderer) Config() Config { return r.cfg }

// Render rasterizes markup.
func (r *Renderer) Render(ctx context.Context, markup string) (snap *Snapshot, err error) {
	if foreign := richdoc.Foreign(markup, r.cls); len(foreign) > 0 {
		return nil, fmt.Errorf("%w: %d remaining", ErrUnresolved, len(foreign))
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	surface, err := r.engine.Open(ctx, Viewport{Width: r.cfg.Width, Scale: r.cfg.Scale})
	if err != nil {
		return nil, fmt.Errorf("render: open surface: %w", err)
	}
	defer func() {
		if cerr := surface.Close(); cerr != nil {
			r.logger.Warn("render: close surface", "error", cerr)
		}
	}()

	markup, _ = richdoc.AbsoluteOwned(markup, r.cls)
	if err := surface.Mount(ctx, markup); err != nil {
		return nil, fmt.Errorf("render: mount: %w", err)
	}

	imgs, err := surface.Images(ctx)
	if err != nil {
		return nil, fmt.Errorf("render: collect images: %w", err)
	}
	loads := Await(ctx, imgs, r.cfg.BarrierTimeout)
	for _, l := range loads {
		if l.State != Loaded {
			r.logger.Info("render: image not loaded", "src", l.Src, "state", l.State)
		}
	}

	if r.cfg.Settle > 0 {
		t := time.NewTimer(r.cfg.Settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("render: settle: %w", ctx.Err())
		case <-t.C:
		}
	}

	data, err := surface.Rasterize(ctx, r.cfg.Format, r.cfg.Quality)
	if err != nil {
		return nil, fmt.Errorf("render: rasterize: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyRaster
	}

	snap = &Snapshot{
		Data:        data,
		ContentType: r.cfg.ContentType(),
		Images:      loads,
		RenderedAt:  time.Now(),
	}
	if ic, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		snap.Width, snap.Height = ic.Width, ic.Height
	}
	r.logger.Debug("render: snapshot", "bytes", len(data), "images", len(loads),
		"width", snap.Width, "height", snap.Height)
	return snap, nil
}
