package subscriber

// Channel delivers values through a Go channel.
type Channel[T any] struct {
	ch   chan T
	done chan struct{}
}

// NewChannel creates a channel-based subscriber with the given buffer size.
func NewChannel[T any](bufSize int) *Channel[T] {
	if bufSize <= 0 {
		bufSize = 128
	}
	return &Channel[T]{
		ch:   make(chan T, bufSize),
		done: make(chan struct{}),
	}
}

// C returns the channel to read values from.
func (c *Channel[T]) C() <-chan T {
	return c.ch
}

// Done is closed once the subscriber is closed.
func (c *Channel[T]) Done() <-chan struct{} {
	return c.done
}

// Send delivers v to the channel. Drops v if the channel is full.
func (c *Channel[T]) Send(v T) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.ch <- v:
	default:
		// drop: subscriber is not keeping up
	}
}

// Close shuts down the subscriber.
func (c *Channel[T]) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
