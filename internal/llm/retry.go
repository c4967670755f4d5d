package llm

import "time"

// RetryPolicy controls how failed model calls are reattempted.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy: 3 attempts, exponential backoff from 1s capped at 30s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: 1 * time.Second,
	MaxDelay:     30 * time.Second,
}

// Backoff returns the delay before the given retry (attempt is 1-based: the
// delay after the attempt-th failure). Rate-limited failures wait twice as
// long at every step.
func (p RetryPolicy) Backoff(attempt int, kind Kind) time.Duration {
	delay := p.InitialDelay
	if kind == KindRateLimited {
		delay *= 2
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
