package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/opgraph/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("model endpoint returned 503")))
	assert.True(t, IsRetryableError(&timeoutError{}))
}

func TestIsRetryableError_GraphErrorCodes(t *testing.T) {
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeHandler, "flaky")))
	assert.True(t, IsRetryableError(fmt.Errorf("wrapped: %w", schema.NewError(schema.ErrCodeStore, "db"))))

	for _, code := range []string{
		schema.ErrCodeValidation,
		schema.ErrCodeNotFound,
		schema.ErrCodeBuild,
		schema.ErrCodeCancelled,
		schema.ErrCodeNonRetryable,
	} {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), "expected %s to be final", code)
	}
}

// timeoutError satisfies net.Error.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 0, 0},
		{"empty delay", &schema.RetryPolicy{Max: 3, Backoff: "exponential"}, 0, 0},
		{"invalid delay", &schema.RetryPolicy{Max: 3, Delay: "soon"}, 0, 0},
		{"none", &schema.RetryPolicy{Max: 3, Backoff: "none", Delay: "100ms"}, 5, 100 * time.Millisecond},
		{"constant", &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "100ms"}, 2, 100 * time.Millisecond},
		{"linear", &schema.RetryPolicy{Max: 5, Backoff: "linear", Delay: "10ms"}, 2, 30 * time.Millisecond},
		{"exponential 0", &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "10ms"}, 0, 10 * time.Millisecond},
		{"exponential 3", &schema.RetryPolicy{Max: 5, Backoff: "exponential", Delay: "10ms"}, 3, 80 * time.Millisecond},
		{"capped", &schema.RetryPolicy{Max: 9, Backoff: "exponential", Delay: "10ms", MaxDelay: "50ms"}, 4, 50 * time.Millisecond},
		{"invalid cap ignored", &schema.RetryPolicy{Max: 9, Backoff: "exponential", Delay: "10ms", MaxDelay: "x"}, 2, 40 * time.Millisecond},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeBackoff(tc.policy, tc.attempt))
		})
	}
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), -1))

	start := time.Now()
	assert.NoError(t, WaitForBackoff(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start = time.Now()
	assert.ErrorIs(t, WaitForBackoff(ctx, 5*time.Second), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
