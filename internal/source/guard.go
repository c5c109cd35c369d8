package source

import (
	"sync"
	"sync/atomic"
)

// Guard wraps the callbacks of one subscription.
//
// Sources call Next and Fail instead of the raw callbacks. Once Cancel has
// been called no new delivery starts. Cancel runs the release function at
// most once, however often it is called.
type Guard struct {
	onNext  func(Snapshot)
	onError func(error)

	stopped atomic.Bool
	once    sync.Once
	release func()
}

// NewGuard creates a Guard. release is called once on the first Cancel and
// may be nil.
func NewGuard(onNext func(Snapshot), onError func(error), release func()) *Guard {
	if onNext == nil {
		onNext = func(Snapshot) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Guard{onNext: onNext, onError: onError, release: release}
}

// Next delivers a snapshot unless the guard is cancelled.
// It reports whether the snapshot was delivered.
func (g *Guard) Next(s Snapshot) bool {
	if g.stopped.Load() {
		return false
	}
	g.onNext(s)
	return true
}

// Fail delivers an error unless the guard is cancelled.
func (g *Guard) Fail(err error) bool {
	if g.stopped.Load() {
		return false
	}
	g.onError(err)
	return true
}

// Stopped reports whether Cancel has been called.
func (g *Guard) Stopped() bool {
	return g.stopped.Load()
}

// Cancel stops deliveries and releases the listener. Safe to call more than
// once and from inside a callback.
func (g *Guard) Cancel() {
	g.stopped.Store(true)
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}
