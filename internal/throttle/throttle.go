// Package throttle limits how often a callback fires. The first call in a
// window is delivered immediately, later calls in the same window collapse
// into one trailing delivery of the most recent value.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Throttler[T any] struct {
	fn       func(T)
	interval time.Duration
	limiter  *rate.Limiter

	mu         sync.Mutex
	pending    T
	hasPending bool
	timer      *time.Timer
	stopped    bool

	// serializes fn so a trailing delivery never interleaves with a leading one
	deliverMu sync.Mutex
}

// New returns a throttler delivering to fn at most once per interval.
// An interval of zero or less disables throttling.
func New[T any](interval time.Duration, fn func(T)) *Throttler[T] {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttler[T]{
		fn:       fn,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

func (t *Throttler[T]) Call(v T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	// an armed timer owns the next delivery
	if t.timer == nil && t.limiter.Allow() {
		var zero T
		t.pending, t.hasPending = zero, false
		t.deliverMu.Lock()
		t.mu.Unlock()
		t.fn(v)
		t.deliverMu.Unlock()
		return
	}

	t.pending, t.hasPending = v, true
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval, t.fire)
	}
	t.mu.Unlock()
}

func (t *Throttler[T]) fire() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped || !t.hasPending {
		t.mu.Unlock()
		return
	}
	r := t.limiter.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		t.timer = time.AfterFunc(d, t.fire)
		t.mu.Unlock()
		return
	}
	v := t.pending
	var zero T
	t.pending, t.hasPending = zero, false
	t.deliverMu.Lock()
	t.mu.Unlock()

	t.fn(v)
	t.deliverMu.Unlock()
}

// Flush delivers a pending trailing value now, if there is one.
func (t *Throttler[T]) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.stopped || !t.hasPending {
		t.mu.Unlock()
		return
	}
	v := t.pending
	var zero T
	t.pending, t.hasPending = zero, false
	t.deliverMu.Lock()
	t.mu.Unlock()

	t.fn(v)
	t.deliverMu.Unlock()
}

// Stop drops any pending value. Calls after Stop are ignored.
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	var zero T
	t.pending, t.hasPending = zero, false
}
