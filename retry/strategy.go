// Package retry provides retry strategies, bounded polling and a circuit breaker for RPC calls.
package retry

import (
	"context"
	"time"
)

// Strategy defines a retry policy.
type Strategy interface {
	// Next returns the delay before the next retry attempt.
	// Returns false if no more retries should be attempted.
	Next(attempt int) (delay time.Duration, ok bool)
}

// Do executes fn, retrying according to the given strategy on non-nil errors.
// It respects context cancellation.
func Do(ctx context.Context, s Strategy, fn func(ctx context.Context) error) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		attempt++
		delay, ok := s.Next(attempt)
		if !ok {
			return err
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Outcome is what one polling attempt reports back to Poll.
type Outcome int

const (
	// Done stops polling. A non-nil error returned alongside aborts the poll.
	Done Outcome = iota
	// Retry asks for another attempt after the strategy's delay.
	Retry
)

// PollResult describes how a Poll ended.
type PollResult struct {
	// Attempts is the number of times the probe ran.
	Attempts int
	// Exhausted is true when the strategy ran out before the probe reported Done.
	Exhausted bool
}

// Poll runs probe until it reports Done, the strategy gives up or ctx ends.
// Running out of attempts is not an error; callers inspect PollResult.Exhausted.
func Poll(ctx context.Context, s Strategy, probe func(ctx context.Context) (Outcome, error)) (PollResult, error) {
	var res PollResult
	for {
		res.Attempts++
		outcome, err := probe(ctx)
		if outcome == Done {
			return res, err
		}

		delay, ok := s.Next(res.Attempts)
		if !ok {
			res.Exhausted = true
			return res, nil
		}

		if err := sleep(ctx, delay); err != nil {
			return res, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
