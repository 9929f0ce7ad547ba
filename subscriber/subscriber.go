// Package subscriber fans values out to interested parties.
package subscriber

// Subscriber receives values through a chosen delivery mechanism.
type Subscriber[T any] interface {
	// Send delivers v to this subscriber. Non-blocking.
	Send(v T)

	// Close terminates the subscriber and releases resources.
	Close()
}
