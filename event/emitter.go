// Package event carries the two cross-component signals the engine surfaces
// to its consumers: reachability transitions and flush completions. The
// emitter is injected into the monitor and syncer rather than living in a
// package-level singleton, so tests and embedders can wire their own.
package event

import (
	"sync"
	"time"
)

// ReachabilityEvent is published on every confirmed reachability transition.
// Events are edges, not levels: one event per flip.
type ReachabilityEvent struct {
	Online bool
	At     time.Time
}

// FlushEvent is published once per completed flush pass.
type FlushEvent struct {
	Applied   int
	Remaining int
	Poisoned  int
	Err       error
}

// Emitter fans events out to subscribers. Delivery is synchronous and in
// subscription order, so a subscriber registered first (the syncer) observes
// a reachability edge before later ones (UI banners).
type Emitter struct {
	mu        sync.Mutex
	nextID    int
	reachSubs []subscription[ReachabilityEvent]
	flushSubs []subscription[FlushEvent]
}

type subscription[E any] struct {
	id int
	fn func(E)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// SubscribeReachability registers fn for reachability transitions and returns
// a cancel function.
func (e *Emitter) SubscribeReachability(fn func(ReachabilityEvent)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.reachSubs = append(e.reachSubs, subscription[ReachabilityEvent]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.reachSubs = removeSub(e.reachSubs, id)
	}
}

// SubscribeFlush registers fn for flush completions and returns a cancel
// function.
func (e *Emitter) SubscribeFlush(fn func(FlushEvent)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.flushSubs = append(e.flushSubs, subscription[FlushEvent]{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.flushSubs = removeSub(e.flushSubs, id)
	}
}

// EmitReachability delivers ev to every reachability subscriber.
func (e *Emitter) EmitReachability(ev ReachabilityEvent) {
	for _, sub := range e.snapshotReach() {
		sub(ev)
	}
}

// EmitFlush delivers ev to every flush subscriber.
func (e *Emitter) EmitFlush(ev FlushEvent) {
	for _, sub := range e.snapshotFlush() {
		sub(ev)
	}
}

// Snapshots are taken under the lock but delivery happens outside it, so a
// subscriber may subscribe or cancel from within its own callback.
func (e *Emitter) snapshotReach() []func(ReachabilityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := make([]func(ReachabilityEvent), len(e.reachSubs))
	for i, s := range e.reachSubs {
		fns[i] = s.fn
	}
	return fns
}

func (e *Emitter) snapshotFlush() []func(FlushEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fns := make([]func(FlushEvent), len(e.flushSubs))
	for i, s := range e.flushSubs {
		fns[i] = s.fn
	}
	return fns
}

func removeSub[E any](subs []subscription[E], id int) []subscription[E] {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
