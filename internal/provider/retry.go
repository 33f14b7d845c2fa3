package provider

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/agelapse-dev/agelapse/pkg/observability"
)

const (
	// maxAttempts is the total attempt budget per call. Each call gets an
	// independent fresh budget; there is no circuit breaker across calls.
	maxAttempts = 3

	// baseBackoff is the delay before the first retry; it doubles before
	// the second (1000ms, then 2000ms). No jitter.
	baseBackoff = 1000 * time.Millisecond

	// defaultRequestsPerSecond paces attempts against the external
	// capability's rate limits.
	defaultRequestsPerSecond = 2
)

// Retrier applies the shared retry policy to a single external call:
// only transient server-side faults are retried, with exponential
// backoff, up to maxAttempts total attempts.
type Retrier struct {
	limiter *rate.Limiter

	// sleep waits for the backoff interval; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier pacing attempts at rps requests per second.
// rps <= 0 applies the default pacing.
func NewRetrier(rps float64) *Retrier {
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	return &Retrier{
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		sleep:   sleepContext,
	}
}

// Retry invokes call with the shared retry policy. Non-transient
// failures, and exhaustion of the final attempt, propagate immediately.
func Retry[T any](ctx context.Context, r *Retrier, name, op string, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseBackoff << (attempt - 1)
			if err := r.sleep(ctx, delay); err != nil {
				return zero, err
			}
			observability.RecordCapabilityRetry(name, op)
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		result, err := call(ctx)
		if err == nil {
			observability.RecordCapabilityCall(name, op, "ok")
			return result, nil
		}

		if !isTransient(err) {
			observability.RecordCapabilityCall(name, op, "error")
			return zero, err
		}
		lastErr = err
	}

	observability.RecordCapabilityCall(name, op, "exhausted")
	return zero, lastErr
}

// isTransient reports whether a failure carries the transient
// server-side fault marker and may be retried.
func isTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.IsRetryable
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
