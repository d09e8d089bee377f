// Package rendertest provides an in-memory render.Engine for tests that
// must not start Chrome.
package rendertest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/mailkit/render"
	"github.com/hazyhaar/mailkit/richdoc"
)

// Behavior is how a fake image reacts to Wait.
type Behavior int

const (
	Load  Behavior = iota
	Fail           // fires error
	Stall          // never settles and ignores ctx
)

// Engine is a fake render.Engine. Image behaviour is looked up by src;
// unknown sources load. The zero value is ready to use.
type Engine struct {
	Behaviors    map[string]Behavior
	OpenErr      error
	MountErr     error
	RasterizeErr error

	opened atomic.Int32
	closed atomic.Int32

	mu      sync.Mutex
	mounted []string
}

func (e *Engine) Open(_ context.Context, vp render.Viewport) (render.Surface, error) {
	if e.OpenErr != nil {
		return nil, e.OpenErr
	}
	e.opened.Add(1)
	return &surface{e: e, vp: vp}, nil
}

// Opened and Closed count surfaces.
func (e *Engine) Opened() int { return int(e.opened.Load()) }
func (e *Engine) Closed() int { return int(e.closed.Load()) }

// Mounted returns every markup mounted so far.
func (e *Engine) Mounted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.mounted...)
}

type surface struct {
	e      *Engine
	vp     render.Viewport
	markup string
}

func (s *surface) Mount(_ context.Context, markup string) error {
	if s.e.MountErr != nil {
		return s.e.MountErr
	}
	s.markup = markup
	s.e.mu.Lock()
	s.e.mounted = append(s.e.mounted, markup)
	s.e.mu.Unlock()
	return nil
}

func (s *surface) Images(context.Context) ([]render.Image, error) {
	var out []render.Image
	for _, src := range richdoc.ImageSources(s.markup) {
		out = append(out, &img{src: src, b: s.e.Behaviors[src]})
	}
	return out, nil
}

// Rasterize returns a PNG of the viewport width times scale.
func (s *surface) Rasterize(context.Context, string, int) ([]byte, error) {
	if s.e.RasterizeErr != nil {
		return nil, s.e.RasterizeErr
	}
	w := int(float64(s.vp.Width) * s.vp.Scale)
	m := image.NewGray(image.Rect(0, 0, w, 4))
	for x := 0; x < w; x++ {
		m.Set(x, 0, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *surface) Close() error {
	s.e.closed.Add(1)
	return nil
}

type img struct {
	src string
	b   Behavior
}

func (i *img) Src() string { return i.src }

func (i *img) Wait(ctx context.Context) error {
	switch i.b {
	case Fail:
		return errors.New("image failed to load")
	case Stall:
		select {} // never returns
	}
	return nil
}
