// Package events provides a small typed listener registry used by the
// scheduler, the upload orchestrator and the job runner to publish signals.
package events

import "sync"

// Listener receives one emitted value.
type Listener[E any] func(E)

type subscription[E any] struct {
	id int64
	fn Listener[E]
}

// Bus fans a value out to every listener subscribed at the time of Emit.
// Listeners run synchronously on the emitting goroutine, in subscription order.
type Bus[E any] struct {
	mu     sync.RWMutex
	nextID int64
	subs   []subscription[E]
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus[E]) Subscribe(fn Listener[E]) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[E]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus[E]) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers event to the current listeners.
func (b *Bus[E]) Emit(event E) {
	b.mu.RLock()
	subs := make([]subscription[E], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(event)
	}
}

// Len returns the number of current listeners.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
