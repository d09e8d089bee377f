package editor

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token is the liveness token of a session. Every asynchronous
// continuation goes through Do, which refuses to run once the token is
// cancelled. Rejected counts refused continuations.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	dead     bool
	rejected atomic.Int64
}

func newToken() *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// Context is cancelled with the token.
func (t *Token) Context() context.Context { return t.ctx }

func (t *Token) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.dead
}

// Do runs fn if the token is alive and reports whether it ran. Cancel
// waits for a running fn to return, so no fn observes teardown halfway.
func (t *Token) Do(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		t.rejected.Add(1)
		return false
	}
	fn()
	return true
}

// Cancel kills the token. Idempotent.
func (t *Token) Cancel() {
	t.mu.Lock()
	t.dead = true
	t.mu.Unlock()
	t.cancel()
}

// Rejected is the number of continuations refused after Cancel.
func (t *Token) Rejected() int64 { return t.rejected.Load() }
