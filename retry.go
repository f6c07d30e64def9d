package tierrouter

import (
	"context"
	"math"
	"time"
)

// RetryPolicy configures per-provider retries with exponential backoff.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before retry k is BaseDelay * 2^k
	MaxDelay   time.Duration // 0 = uncapped

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// Delay returns the backoff before retry k (0-indexed).
func (p RetryPolicy) Delay(k int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < k; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, returns a fatal error, or MaxRetries+1
// attempts have been made. It returns the number of attempts made.
//
// A rate-limit error carrying a Retry-After waits that long instead and
// restarts the backoff schedule. Cancellation of ctx aborts the pending sleep.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	maxAttempts := policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	k := 0
	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		if !IsRetryable(err) || attempt >= maxAttempts {
			return zero, attempt, err
		}
		if ctx.Err() != nil {
			return zero, attempt, err
		}

		delay := policy.Delay(k)
		k++
		if ra, ok := retryAfter(err); ok {
			delay = ra
			k = 0
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, delay)
		}

		if err := sleepWithContext(ctx, delay); err != nil {
			return zero, attempt, err
		}
	}
}

// sleepWithContext sleeps for d, but returns early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
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
