package retry

import "time"

// Fixed waits the same interval between attempts and allows MaxAttempts probes in total.
type Fixed struct {
	Interval    time.Duration
	MaxAttempts int
}

// Every creates a Fixed strategy.
func Every(interval time.Duration, maxAttempts int) Fixed {
	return Fixed{Interval: interval, MaxAttempts: maxAttempts}
}

// Next returns Interval while fewer than MaxAttempts probes have run.
func (f Fixed) Next(attempt int) (time.Duration, bool) {
	if attempt >= f.MaxAttempts {
		return 0, false
	}
	return f.Interval, true
}
