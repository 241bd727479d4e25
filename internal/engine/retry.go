package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rendis/opgraph/pkg/schema"
)

// IsRetryableError classifies whether a failed handler invocation should be retried.
// Context cancellation and GraphErrors with non-retryable codes are final;
// deadline and network errors, and any other plain error, are retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var gErr *schema.GraphError
	if errors.As(err, &gErr) {
		return gErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// The retry policy bounds attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt+1.
// Supports none, constant, linear and exponential backoff with an optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base << uint(min(attempt, 32))
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // none, constant
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
