package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/mailkit/internal/browser"
)

// RodEngine renders in headless Chrome through a browser.Manager.
type RodEngine struct {
	mgr *browser.Manager
}

// NewRodEngine uses mgr for pages. The caller owns mgr.
func NewRodEngine(mgr *browser.Manager) *RodEngine {
	return &RodEngine{mgr: mgr}
}

const rootID = "snapshot-root"

// shell is the offscreen host document. The root is fixed-width, ignores
// pointer events and is never focusable.
const shell = `<!doctype html><html><head><meta charset="utf-8"><style>
html,body{margin:0;padding:0;background:#fff}
#` + rootID + `{width:%dpx;pointer-events:none;user-select:none;overflow:hidden;
font-family:Arial,Helvetica,sans-serif;font-size:14px;line-height:1.4;color:#222}
#` + rootID + ` img{max-width:100%%}
</style></head><body><div id="` + rootID + `" aria-hidden="true" inert>%s</div></body></html>`

func (e *RodEngine) Open(ctx context.Context, vp Viewport) (Surface, error) {
	page, err := e.mgr.Page(ctx)
	if err != nil {
		return nil, err
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            800,
		DeviceScaleFactor: vp.Scale,
	})
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}
	return &rodSurface{page: page, width: vp.Width}, nil
}

type rodSurface struct {
	page  *rod.Page
	width int
	root  *rod.Element
}

func (s *rodSurface) Mount(ctx context.Context, markup string) error {
	doc := fmt.Sprintf(shell, s.width, markup)
	if err := s.page.Context(ctx).SetDocumentContent(doc); err != nil {
		return err
	}
	root, err := s.page.Context(ctx).Element("#" + rootID)
	if err != nil {
		return err
	}
	s.root = root
	return nil
}

func (s *rodSurface) Images(ctx context.Context) ([]Image, error) {
	if s.root == nil {
		return nil, errors.New("surface not mounted")
	}
	els, err := s.root.Context(ctx).Elements("img")
	if err != nil {
		return nil, err
	}
	out := make([]Image, 0, len(els))
	for _, el := range els {
		src := ""
		if a, err := el.Attribute("src"); err == nil && a != nil {
			src = *a
		}
		out = append(out, &rodImage{el: el, src: src})
	}
	return out, nil
}

func (s *rodSurface) Rasterize(ctx context.Context, format string, quality int) ([]byte, error) {
	if s.root == nil {
		return nil, errors.New("surface not mounted")
	}
	f := proto.PageCaptureScreenshotFormatPng
	if format == "jpeg" {
		f = proto.PageCaptureScreenshotFormatJpeg
	}
	return s.root.Context(ctx).Screenshot(f, quality)
}

func (s *rodSurface) Close() error {
	return s.page.Close()
}

type rodImage struct {
	el  *rod.Element
	src string
}

func (i *rodImage) Src() string { return i.src }

// waitJS resolves true on load and false on error. Already complete images
// resolve immediately.
const waitJS = `() => {
	const img = this;
	if (img.complete) return img.naturalWidth > 0;
	return new Promise((resolve) => {
		img.addEventListener('load', () => resolve(true), { once: true });
		img.addEventListener('error', () => resolve(false), { once: true });
	});
}`

func (i *rodImage) Wait(ctx context.Context) error {
	res, err := i.el.Context(ctx).Eval(waitJS)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return fmt.Errorf("image failed to load: %q", i.src)
	}
	return nil
}
