// Package schedule computes when the next daily race starts.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hedeqiang/derby/store"
)

// Key is the store key of the persisted countdown target.
const Key = "derby.nextRaceAt"

// ErrInvalidHour is returned for a race hour outside 0..23.
var ErrInvalidHour = errors.New("schedule: race hour must be within 0..23")

// NextRace returns the first instant strictly after now at hourUTC:00 UTC.
func NextRace(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Countdown keeps the next race instant in a key/value store so every client
// counts down to the same target across restarts.
type Countdown struct {
	kv   store.KV
	hour int
	now  func() time.Time
}

// NewCountdown creates a countdown to the daily race at hourUTC.
func NewCountdown(kv store.KV, hourUTC int) (*Countdown, error) {
	if hourUTC < 0 || hourUTC > 23 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHour, hourUTC)
	}
	return &Countdown{kv: kv, hour: hourUTC, now: time.Now}, nil
}

// Next returns the stored race instant, recomputing and storing it once it has passed.
func (c *Countdown) Next(ctx context.Context) (time.Time, error) {
	now := c.now()

	v, err := c.kv.Get(ctx, Key)
	switch {
	case err == nil:
		if at, perr := time.Parse(time.RFC3339, v); perr == nil && at.After(now) {
			return at, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return time.Time{}, fmt.Errorf("schedule: load: %w", err)
	}

	next := NextRace(now, c.hour)
	if err := c.kv.Put(ctx, Key, next.Format(time.RFC3339)); err != nil {
		return time.Time{}, fmt.Errorf("schedule: save: %w", err)
	}
	return next, nil
}

// Remaining returns the time left until the next race.
func (c *Countdown) Remaining(ctx context.Context) (time.Duration, error) {
	next, err := c.Next(ctx)
	if err != nil {
		return 0, err
	}
	return next.Sub(c.now()), nil
}

// Format renders d as HH:MM:SS, rounding down to whole seconds.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, s/60%60, s%60)
}
