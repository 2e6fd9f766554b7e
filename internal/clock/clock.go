// Package clock provides the time source and cancellable timers used by the
// presence engine, plus a virtual clock for tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source every timing component takes as a dependency.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback. Stop reports whether the call prevented the
// callback from running; stopping twice is a no-op.
type Timer interface {
	Stop() bool
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Timers is a keyed set of cancellable callbacks owned by one component.
// Callbacks run with the owner's lock held and only if the entry is still the
// current one for its key, so a Cancel made under that lock is synchronous:
// once it returns the callback can no longer run.
type Timers[K comparable] struct {
	clock   Clock
	lock    sync.Locker
	pending map[K]*entry
}

type entry struct {
	timer Timer
}

// NewTimers builds a timer set guarded by lock, which must be the lock the
// owner holds whenever it calls Schedule, Cancel or StopAll.
func NewTimers[K comparable](clk Clock, lock sync.Locker) *Timers[K] {
	return &Timers[K]{clock: clk, lock: lock, pending: make(map[K]*entry)}
}

// Schedule arms fn after d, replacing any timer pending for key.
func (t *Timers[K]) Schedule(key K, d time.Duration, fn func()) {
	t.Cancel(key)
	e := &entry{}
	t.pending[key] = e
	e.timer = t.clock.AfterFunc(d, func() {
		t.lock.Lock()
		defer t.lock.Unlock()
		if t.pending[key] != e {
			return
		}
		delete(t.pending, key)
		fn()
	})
}

// Cancel stops the timer for key. It reports whether a timer was pending.
func (t *Timers[K]) Cancel(key K) bool {
	e, ok := t.pending[key]
	if !ok {
		return false
	}
	delete(t.pending, key)
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

func (t *Timers[K]) Pending(key K) bool {
	_, ok := t.pending[key]
	return ok
}

func (t *Timers[K]) Len() int { return len(t.pending) }

// StopAll cancels every pending timer.
func (t *Timers[K]) StopAll() {
	for key := range t.pending {
		t.Cancel(key)
	}
}
