package delivery

import (
	"context"
	"time"
)

// DefaultMaxAttempts is the per-run attempt budget for one entry.
const DefaultMaxAttempts = 5

// RetryPolicy bounds how many back-to-back attempts an entry gets within a
// single run. Lifetime attempts across runs are unbounded.
type RetryPolicy struct {
	MaxAttempts int
	// Delay is waited between consecutive attempts. Zero retries immediately.
	Delay time.Duration
}

// DefaultRetryPolicy returns five attempts with no delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts}
}

// Do calls attempt until it succeeds or the budget is spent. It returns
// whether an attempt succeeded and how many attempts were made. Cancelling
// ctx stops further attempts.
func (p RetryPolicy) Do(ctx context.Context, attempt func(context.Context) bool) (bool, int) {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	made := 0
	for made < max {
		if ctx.Err() != nil {
			return false, made
		}
		made++
		if attempt(ctx) {
			return true, made
		}
		if made < max && p.Delay > 0 {
			select {
			case <-ctx.Done():
				return false, made
			case <-time.After(p.Delay):
			}
		}
	}
	return false, made
}
