package subscriber

import "sync/atomic"

// Callback calls fn synchronously for each value until closed.
type Callback[T any] struct {
	fn     func(T)
	closed atomic.Bool
}

// NewCallback wraps fn as a subscriber.
func NewCallback[T any](fn func(T)) *Callback[T] {
	return &Callback[T]{fn: fn}
}

// Send calls fn with v unless the callback is closed.
func (c *Callback[T]) Send(v T) {
	if !c.closed.Load() {
		c.fn(v)
	}
}

// Close stops further calls.
func (c *Callback[T]) Close() {
	c.closed.Store(true)
}
