package transport

import "time"

// Backoff decides how long to wait before the next reconnection attempt.
// Consecutive failures within the quick-retry budget use ShortDelay; once the
// budget is exhausted the session falls back to LongDelay until a connection
// succeeds again.
type Backoff struct {
	// ShortDelay is the wait after an ordinary disconnect or dial failure.
	ShortDelay time.Duration
	// LongDelay is the wait once QuickRetries consecutive attempts have failed.
	LongDelay time.Duration
	// QuickRetries is the number of consecutive failures served with ShortDelay.
	QuickRetries int
}

// DefaultBackoff mirrors the delays the production web client ships with.
func DefaultBackoff() Backoff {
	return Backoff{
		ShortDelay:   3 * time.Second,
		LongDelay:    10 * time.Second,
		QuickRetries: 10,
	}
}

// Delay returns the wait before attempt number failures+1.
func (b Backoff) Delay(failures int) time.Duration {
	short, long, budget := b.ShortDelay, b.LongDelay, b.QuickRetries
	if short <= 0 {
		short = 3 * time.Second
	}
	if long <= 0 {
		long = 10 * time.Second
	}
	if budget <= 0 {
		budget = 10
	}
	if failures >= budget {
		return long
	}
	return short
}
