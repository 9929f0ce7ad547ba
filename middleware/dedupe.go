package middleware

import (
	"sync"

	"github.com/hedeqiang/derby/event"
)

// Dedupe drops logs whose Key was seen recently. Poll ranges that overlap after
// a restart would otherwise deliver the same race twice.
type Dedupe struct {
	mu   sync.Mutex
	size int
	seen map[string]struct{}
	ring []string
	next int
}

// NewDedupe remembers the last size log keys.
func NewDedupe(size int) *Dedupe {
	if size <= 0 {
		size = 1024
	}
	return &Dedupe{
		size: size,
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Wrap decorates the handler with duplicate suppression.
func (d *Dedupe) Wrap(next Handler) Handler {
	return func(lg event.Log) (event.Log, bool) {
		if !d.mark(lg.Key()) {
			return lg, false
		}
		return next(lg)
	}
}

// mark records key and reports whether it was new.
func (d *Dedupe) mark(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = key
	d.seen[key] = struct{}{}
	d.next = (d.next + 1) % d.size
	return true
}
