package retry

import (
	"math/rand/v2"
	"time"
)

// Backoff grows the delay by Multiplier after every failed attempt, capped at MaxDelay.
type Backoff struct {
	// MaxAttempts is the number of retries after the first call. 0 means none.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier defaults to 2.
	Multiplier float64

	// Jitter spreads every delay uniformly by up to this fraction of it, so
	// clients that failed together do not retry together. 0 disables it.
	Jitter float64
}

// Exponential is the backoff used for node calls of the race feed:
// 1s, 2s, 4s ... up to 30s, with 20% jitter.
func Exponential(maxAttempts int) *Backoff {
	return &Backoff{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// Next returns the delay before retry number attempt (1-based).
func (b *Backoff) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > b.MaxAttempts {
		return 0, false
	}

	m := b.Multiplier
	if m <= 1 {
		m = 2
	}
	d := float64(b.InitialDelay)
	for i := 1; i < attempt && d < float64(b.MaxDelay); i++ {
		d *= m
	}
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d), true
}
