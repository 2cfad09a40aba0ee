// Package clock provides the daemon's monotonic time source and the
// single-outstanding-timer wheel used by the reconciler and the
// auto-shutdown logic.
package clock

import (
	"sync"
	"time"
)

// Clock is the monotonic time source. Now returns the current time;
// tests substitute a fake to drive the reconciler deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System is the production Clock backed by time.Now.
var System Clock = systemClock{}

// Handle identifies a scheduled callback so it can be cancelled.
type Handle uint64

// Wheel schedules one-shot delayed callbacks on behalf of a single
// logical owner. Spec.md §5 requires that no more than one outstanding
// reconciler timer exist at a time; Wheel enforces nothing itself but
// is cheap enough that each owner (reconciler, autoshutdown, each poll
// worker) keeps its own Wheel and is responsible for cancelling its
// previous handle before arming a new one.
type Wheel struct {
	clock Clock

	mu      sync.Mutex
	timers  map[Handle]*time.Timer
	nextID  Handle
}

// NewWheel creates a Wheel driven by clock. A nil clock uses System.
func NewWheel(clock Clock) *Wheel {
	if clock == nil {
		clock = System
	}
	return &Wheel{clock: clock, timers: make(map[Handle]*time.Timer)}
}

// ScheduleAfter arranges for fn to run after d. A zero or negative d
// means "run on the next loop iteration" (spec.md §4.1); fn still runs
// asynchronously via time.AfterFunc rather than inline, so callers on
// the event loop goroutine never reenter themselves synchronously.
func (w *Wheel) ScheduleAfter(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.timers[id] = time.AfterFunc(d, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		fn()
	})
	return id
}

// Cancel stops a previously scheduled callback. Cancelling an unknown
// or already-fired handle is a no-op.
func (w *Wheel) Cancel(h Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[h]; ok {
		t.Stop()
		delete(w.timers, h)
	}
}

// Now returns the wheel's clock's current time.
func (w *Wheel) Now() time.Time {
	return w.clock.Now()
}

// Pending reports how many timers are currently armed. Used by tests
// to assert the "at most one outstanding reconciler timer" invariant
// (spec.md §8 Testable Property 3).
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}
