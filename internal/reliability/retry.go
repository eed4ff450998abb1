package reliability

import (
	"context"
	"time"
)

// RetryPolicy decides whether another attempt is made and how long to wait
// before it.
type RetryPolicy interface {
	// ShouldRetry is called before attempt (zero based) with the error of the
	// previous attempt, nil for the first one.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
}

// FixedDelay waits the same delay before every attempt
type FixedDelay struct {
	Delay time.Duration
	// MaxAttempts bounds the attempts; zero or less retries forever
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxAttempts,
	}
}

// Forever creates a fixed delay policy without an attempt limit
func Forever(delay time.Duration) *FixedDelay {
	return NewFixedDelay(delay, 0)
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts > 0 && attempt >= f.MaxAttempts {
		return false, 0
	}
	return true, f.Delay
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done. The
// policy delay is observed before every attempt, including the first, so a
// caller reacting to a failure never hammers the remote side.
//
// It returns nil on success, ctx.Err() on cancellation and the last error
// of fn when the policy gives up.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		retry, delay := policy.ShouldRetry(attempt, lastErr)
		if !retry {
			return lastErr
		}

		if err := Sleep(ctx, delay); err != nil {
			return err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
	}
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
