package subscriber

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Broadcast fans each value out to its subscribers in registration order.
// Send works on a snapshot of the list, so a subscriber may unsubscribe
// itself or others from inside Send.
type Broadcast[T any] struct {
	mu   sync.Mutex // serializes writers of subs
	subs atomic.Pointer[[]Subscriber[T]]
}

// NewBroadcast returns a broadcast with no subscribers.
func NewBroadcast[T any]() *Broadcast[T] {
	b := &Broadcast[T]{}
	b.subs.Store(&[]Subscriber[T]{})
	return b
}

func (b *Broadcast[T]) list() []Subscriber[T] {
	return *b.subs.Load()
}

// Add registers sub.
func (b *Broadcast[T]) Add(sub Subscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := append(slices.Clip(b.list()), sub)
	b.subs.Store(&next)
}

// Remove unregisters sub and closes it. Unknown subscribers are ignored.
func (b *Broadcast[T]) Remove(sub Subscriber[T]) {
	b.mu.Lock()
	cur := b.list()
	i := slices.Index(cur, sub)
	if i < 0 {
		b.mu.Unlock()
		return
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	b.subs.Store(&next)
	b.mu.Unlock()
	sub.Close()
}

// Send hands v to every subscriber.
func (b *Broadcast[T]) Send(v T) {
	for _, sub := range b.list() {
		sub.Send(v)
	}
}

// Close closes and drops every subscriber.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	cur := b.list()
	b.subs.Store(&[]Subscriber[T]{})
	b.mu.Unlock()
	for _, sub := range cur {
		sub.Close()
	}
}

// Len returns the number of subscribers.
func (b *Broadcast[T]) Len() int {
	return len(b.list())
}
