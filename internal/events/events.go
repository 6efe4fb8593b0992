// Package events provides a small typed publish/subscribe registry.
// Subscribers receive values synchronously, in registration order, and are
// removed by the opaque handle returned at subscription time.
package events

import "sync"

// Subscription identifies a registered handler for O(1) removal.
type Subscription uint64

type entry[T any] struct {
	id Subscription
	fn func(T)
}

// Emitter fans a value out to every registered handler.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu      sync.Mutex
	nextID  Subscription
	entries []entry[T]
}

// Subscribe registers fn and returns a handle for Unsubscribe.
func (e *Emitter[T]) Subscribe(fn func(T)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.entries = append(e.entries, entry[T]{id: e.nextID, fn: fn})
	return e.nextID
}

// Unsubscribe removes the handler registered under sub. Unknown handles are
// ignored so teardown paths can be unconditional.
func (e *Emitter[T]) Unsubscribe(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ent := range e.entries {
		if ent.id == sub {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every handler with v, in registration order. Handlers run on the
// caller's goroutine; a snapshot is taken so handlers may subscribe or
// unsubscribe without deadlocking.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]entry[T], len(e.entries))
	copy(snapshot, e.entries)
	e.mu.Unlock()

	for _, ent := range snapshot {
		ent.fn(v)
	}
}

// Len reports the number of registered handlers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}
