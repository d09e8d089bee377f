// Package richdoc models the editable rich-text template: its markup, the
// image references derived from it, and the change signal an editor hooks
// into. It also owns the markup transformations shared by the resolver and
// the renderer (scan, rewrite, neutralize, sanitize, plain text).
package richdoc

import (
	"fmt"
	"slices"
	"sync"
)

// Slot names one of the owner's templates.
type Slot string

const (
	SlotHeader    Slot = "header"
	SlotFooter    Slot = "footer"
	SlotSignature Slot = "signature"
)

// Slots lists every known slot.
var Slots = []Slot{SlotHeader, SlotFooter, SlotSignature}

// ParseSlot validates a slot name.
func ParseSlot(s string) (Slot, error) {
	for _, sl := range Slots {
		if string(sl) == s {
			return sl, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSlot, s)
}

// ChangeOrigin tells listeners who mutated the document.
type ChangeOrigin int

const (
	OriginUser ChangeOrigin = iota
	OriginPaste
	OriginResolver
)

func (o ChangeOrigin) String() string {
	switch o {
	case OriginUser:
		return "user"
	case OriginPaste:
		return "paste"
	case OriginResolver:
		return "resolver"
	}
	return "unknown"
}

// Change is delivered to listeners after every mutation.
type Change struct {
	Origin   ChangeOrigin
	Revision uint64
}

// Document is the in-memory rich content document. All methods are safe
// for concurrent use. Listeners run synchronously on the mutating goroutine,
// after the document lock is released, so they may mutate the document.
type Document struct {
	owner string
	slot  Slot
	cls   Classifier
	guard Guard

	mu        sync.Mutex
	markup    string
	rev       uint64
	dirty     bool
	failures  map[string]string
	listeners map[int]func(Change)
	nextID    int
}

// New creates a clean document. Pass the stored markup when the editor
// opens an existing template, or "" for an empty one.
func New(owner string, slot Slot, markup string, cls Classifier) *Document {
	return &Document{
		owner:     owner,
		slot:      slot,
		cls:       cls,
		markup:    markup,
		failures:  make(map[string]string),
		listeners: make(map[int]func(Change)),
	}
}

func (d *Document) Owner() string          { return d.owner }
func (d *Document) Slot() Slot             { return d.slot }
func (d *Document) Classifier() Classifier { return d.cls }

// Guard returns the reentrancy guard held while resolver writes are applied.
func (d *Document) Guard() *Guard { return &d.guard }

func (d *Document) Markup() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.markup
}

// Revision is the generation counter, incremented on every mutation.
func (d *Document) Revision() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rev
}

func (d *Document) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// State returns markup and revision read under one lock.
func (d *Document) State() (string, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.markup, d.rev
}

// Edit replaces the markup with a user edit.
func (d *Document) Edit(markup string) {
	d.mutate(OriginUser, func() { d.markup = markup })
}

// Paste appends a pasted fragment at the end of the document.
func (d *Document) Paste(fragment string) {
	d.mutate(OriginPaste, func() { d.markup += fragment })
}

// ApplyResolved installs resolver output computed from revision rev. The
// write is dropped (false) when the document moved on since rev was read;
// the caller's work is stale and a later pass will pick up the new markup.
// Listeners are notified while the document's guard is active.
func (d *Document) ApplyResolved(rev uint64, markup string) bool {
	d.mu.Lock()
	if d.rev != rev {
		d.mu.Unlock()
		return false
	}
	if d.markup == markup {
		d.mu.Unlock()
		return true
	}
	d.markup = markup
	d.rev++
	d.dirty = true
	change := Change{Origin: OriginResolver, Revision: d.rev}
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	d.guard.Run(func() {
		for _, fn := range listeners {
			fn(change)
		}
	})
	return true
}

// RecordFailure marks url as failed with reason until ResetFailures.
func (d *Document) RecordFailure(url, reason string) {
	d.mu.Lock()
	d.failures[url] = reason
	d.mu.Unlock()
}

// Failures returns a copy of the recorded import failures.
func (d *Document) Failures() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.failures))
	for k, v := range d.failures {
		out[k] = v
	}
	return out
}

// ResetFailures forgets recorded failures so the next pass retries them.
func (d *Document) ResetFailures() {
	d.mu.Lock()
	clear(d.failures)
	d.mu.Unlock()
}

// MarkClean clears the dirty flag if the document is still at rev.
func (d *Document) MarkClean(rev uint64) {
	d.mu.Lock()
	if d.rev == rev {
		d.dirty = false
	}
	d.mu.Unlock()
}

// References derives the resource references of the current markup.
// Foreign references with a recorded failure are StatusFailed, the other
// foreign ones StatusPending; owned references are StatusResolved.
func (d *Document) References() []ResourceReference {
	d.mu.Lock()
	markup := d.markup
	failures := make(map[string]string, len(d.failures))
	for k, v := range d.failures {
		failures[k] = v
	}
	d.mu.Unlock()

	refs := Scan(markup, d.cls)
	for i := range refs {
		if refs[i].Origin != OriginForeign {
			continue
		}
		if reason, ok := failures[refs[i].URL]; ok {
			refs[i].Status = StatusFailed
			refs[i].Error = reason
		}
	}
	return refs
}

// OnChange registers fn for change notifications and returns a function
// that unregisters it.
func (d *Document) OnChange(fn func(Change)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// View is the serialisable state of a document.
type View struct {
	Owner      string              `json:"owner"`
	Slot       Slot                `json:"slot"`
	Markup     string              `json:"markup"`
	Revision   uint64              `json:"revision"`
	Dirty      bool                `json:"dirty"`
	References []ResourceReference `json:"references"`
}

// View captures the document for callers and API responses.
func (d *Document) View() View {
	markup, rev := d.State()
	return View{
		Owner:      d.owner,
		Slot:       d.slot,
		Markup:     markup,
		Revision:   rev,
		Dirty:      d.Dirty(),
		References: d.References(),
	}
}

func (d *Document) mutate(origin ChangeOrigin, fn func()) {
	d.mu.Lock()
	fn()
	d.rev++
	d.dirty = true
	change := Change{Origin: origin, Revision: d.rev}
	listeners := d.snapshotListeners()
	d.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
}

// snapshotListeners must be called with d.mu held.
func (d *Document) snapshotListeners() []func(Change) {
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids) // registration order
	out := make([]func(Change), len(ids))
	for i, id := range ids {
		out[i] = d.listeners[id]
	}
	return out
}
