// Package event provides an in-process publish/subscribe bus.
package event

import (
	"runtime/debug"
	"sync"

	ctrl "sigs.k8s.io/controller-runtime"
)

var log = ctrl.Log.WithName("event")

// Handler receives published events.
type Handler[T any] func(T)

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Bus delivers every published event to all current subscribers, synchronously
// and in subscription order. Handlers run outside the bus lock, so a handler
// may publish or (un)subscribe.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[T]
}

// NewBus creates an empty bus
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers h and returns a function that removes it. Calling the
// returned function more than once is safe.
func (b *Bus[T]) Subscribe(h Handler[T]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber. A panicking handler is logged and
// does not prevent delivery to the others.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		deliver(s.handler, ev)
	}
}

func deliver[T any](h Handler[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(nil, "event handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(ev)
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
