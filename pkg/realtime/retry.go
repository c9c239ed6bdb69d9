package realtime

import "time"

// Retryer decides how long the bridge waits before reconnecting.
type Retryer interface {
	// NextDelay returns the delay before reconnect attempt number attempt
	// (0-based) and whether to try at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called once a connection is listening again.
	Reset()
}

// FixedDelayRetryer waits the same delay before every attempt.
type FixedDelayRetryer struct {
	Delay time.Duration

	// MaxRetries is the maximum number of attempts, 0 for no limit.
	MaxRetries int
}

func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{
		Delay:      delay,
		MaxRetries: maxRetries,
	}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelayRetryer) Reset() {}
