package api

import (
	"context"
	"time"
)

// RetryPolicy bounds how the executor retries transient failures. Delay is
// linear in the attempt number; the policy is a plain value so tests swap it
// for a zero-delay variant.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
	}
}

// Delay returns the wait before retrying after the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.BaseDelay
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt number.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return attempt < max
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
