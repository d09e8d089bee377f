package richdoc

import "sync/atomic"

// Guard marks the window in which a resolver-originated write is being
// delivered to change listeners. An editor's change handler checks Active
// and skips scheduling the resolver, which would otherwise rescan its own
// output. Guards nest: Active stays true until the outermost Run returns.
type Guard struct {
	depth atomic.Int32
}

// Run executes fn with the guard held.
func (g *Guard) Run(fn func()) {
	g.depth.Add(1)
	defer g.depth.Add(-1)
	fn()
}

// Active reports whether a resolver write is in flight.
func (g *Guard) Active() bool {
	return g.depth.Load() > 0
}
