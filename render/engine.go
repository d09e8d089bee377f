package render

import "context"

// Viewport is the fixed layout geometry of a surface.
type Viewport struct {
	Width int     // CSS px
	Scale float64 // device pixel ratio
}

// Engine opens rendering surfaces. RodEngine is the Chrome implementation;
// any headless layout engine honouring the same contract can replace it.
type Engine interface {
	Open(ctx context.Context, vp Viewport) (Surface, error)
}

// Surface is one offscreen container.
type Surface interface {
	// Mount materializes markup inside the container.
	Mount(ctx context.Context, markup string) error
	// Images returns every image element in the container.
	Images(ctx context.Context) ([]Image, error)
	// Rasterize captures the container in format ("png" or "jpeg").
	Rasterize(ctx context.Context, format string, quality int) ([]byte, error)
	// Close tears the container down. Called exactly once.
	Close() error
}

// Image is one image element awaiting load.
type Image interface {
	Src() string
	// Wait blocks until the image loaded (nil) or errored (non-nil).
	Wait(ctx context.Context) error
}
