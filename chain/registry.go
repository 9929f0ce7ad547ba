package chain

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

var (
	// ErrNetworkNotFound is returned when looking up a network that was never dialed.
	ErrNetworkNotFound = errors.New("chain: network not found")

	// ErrNetworkRegistered is returned when a network name is dialed twice.
	ErrNetworkRegistered = errors.New("chain: network already registered")
)

// Registry owns the dialed network clients of a process. Closing it releases
// every client that holds a connection.
type Registry struct {
	mu     sync.Mutex
	byName map[string]Chain
	closed bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Chain)}
}

// Register takes ownership of c under c.ID().
func (r *Registry) Register(c Chain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("chain: register %q after close", c.ID())
	}
	if _, dup := r.byName[c.ID()]; dup {
		return fmt.Errorf("%w: %q", ErrNetworkRegistered, c.ID())
	}
	r.byName[c.ID()] = c
	return nil
}

// Get returns the client registered as name.
func (r *Registry) Get(name string) (Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byName[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNetworkNotFound, name)
}

// Names lists the registered networks alphabetically.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close closes every registered client implementing io.Closer and empties the
// registry. Later calls are no-ops.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	clients := r.byName
	r.byName = map[string]Chain{}
	r.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
