package lock

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds lock acquisition. A policy with MaxRetries N makes
// exactly N+1 attempts before giving up.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
	}
}

// AcquireWithRetry attempts to take the named lock, sleeping with
// exponential backoff between attempts. The loop is bounded; exhaustion
// fails with ErrOperationTooFrequent.
func AcquireWithRetry(ctx context.Context, svc Service, name string, policy RetryPolicy) (*Handle, error) {
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := policy.InitialDelay
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * multiplier)
		}

		handle, err := svc.TryAcquire(ctx, name)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			return handle, nil
		}
	}

	return nil, fmt.Errorf("lock %q: %w", name, ErrOperationTooFrequent)
}
