package render

import (
	"context"
	"time"
)

// LoadState is the terminal state of an image at the barrier.
type LoadState string

const (
	Loaded   LoadState = "loaded"
	Errored  LoadState = "errored"
	TimedOut LoadState = "timed_out" // treated as errored
)

// ImageLoad reports how one image left the barrier.
type ImageLoad struct {
	Src   string    `json:"src"`
	State LoadState `json:"state"`
	Error string    `json:"error,omitempty"`
}

// Await waits until every image is loaded or errored, or until ceiling
// elapses. Images still pending at the ceiling are reported TimedOut. It
// returns by the ceiling even if an Image ignores its context.
func Await(ctx context.Context, imgs []Image, ceiling time.Duration) []ImageLoad {
	out := make([]ImageLoad, len(imgs))
	for i, img := range imgs {
		out[i] = ImageLoad{Src: img.Src(), State: TimedOut}
	}
	if len(imgs) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	type result struct {
		i   int
		err error
	}
	done := make(chan result, len(imgs))
	for i, img := range imgs {
		go func() {
			done <- result{i, img.Wait(ctx)}
		}()
	}

	for pending := len(imgs); pending > 0; pending-- {
		select {
		case <-ctx.Done():
			return out
		case res := <-done:
			if res.err == nil {
				out[res.i].State = Loaded
			} else if ctx.Err() == nil {
				out[res.i].State = Errored
				out[res.i].Error = res.err.Error()
			}
		}
	}
	return out
}
