package retry

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Guard while the breaker rejects calls.
var ErrCircuitOpen = errors.New("retry: circuit open")

// State of a CircuitBreaker.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the reset timeout has passed.
	Open
	// HalfOpen lets a single probe through; its result closes or reopens the circuit.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling an RPC endpoint after threshold consecutive
// failures and probes it again once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool

	now      func() time.Time
	onChange func(from, to State)
}

// NewCircuitBreaker creates a closed breaker. A threshold below 1 is treated as 1.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// OnStateChange registers fn to be called after every state transition.
// fn runs with the breaker unlocked and must not block.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Allow reports whether a call may go out. After the reset timeout an open
// breaker admits exactly one probe until that probe is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := false
	switch cb.state {
	case Closed:
		allowed = true
	case Open:
		if cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
			cb.state = HalfOpen
			cb.probing = true
			allowed = true
		}
	case HalfOpen:
		if !cb.probing {
			cb.probing = true
			allowed = true
		}
	}
	cb.unlockAndNotify(from)
	return allowed
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.probing = false
	cb.state = Closed
	cb.unlockAndNotify(from)
}

// RecordFailure counts a failure. A failed probe reopens the circuit at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	cb.probing = false
	if cb.state == HalfOpen || cb.failures >= cb.threshold {
		cb.state = Open
		cb.openedAt = cb.now()
	}
	cb.unlockAndNotify(from)
}

func (cb *CircuitBreaker) unlockAndNotify(from State) {
	to, fn := cb.state, cb.onChange
	cb.mu.Unlock()
	if fn != nil && from != to {
		fn(from, to)
	}
}

// CurrentState returns the breaker state without moving it.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Guard runs fn if the breaker allows it and records the result.
// Errors for which countable returns false, such as a JSON-RPC error reply
// from a healthy node, count as successes.
func (cb *CircuitBreaker) Guard(fn func() error, countable func(error) bool) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return err
}
