package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := RetryResult(context.Background(), fastRetryConfig(), nil, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{Code: 503}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	permanent := &StatusError{Code: 400}
	_, err := RetryResult(context.Background(), fastRetryConfig(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, permanent)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := RetryResult(context.Background(), fastRetryConfig(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{Code: 500}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 500, statusErr.Code)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, fastRetryConfig(), nil, func(ctx context.Context) error {
		calls++
		cancel()
		return &StatusError{Code: 500}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryDoesNotWrapPermanentError(t *testing.T) {
	wrapped := Permanent(errors.New("bad credentials"))
	err := Retry(context.Background(), fastRetryConfig(), nil, func(ctx context.Context) error {
		return wrapped
	})
	assert.ErrorIs(t, err, wrapped)
}

func TestBackoffDelayGrowth(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0, // deterministic
	}
	assert.Equal(t, 1*time.Second, backoffDelay(0, cfg))
	assert.Equal(t, 2*time.Second, backoffDelay(1, cfg))
	assert.Equal(t, 4*time.Second, backoffDelay(2, cfg))
	assert.Equal(t, 8*time.Second, backoffDelay(3, cfg))
	// capped
	assert.Equal(t, 10*time.Second, backoffDelay(4, cfg))
	assert.Equal(t, 10*time.Second, backoffDelay(20, cfg))
}

func TestBackoffDelayJitterStaysInBounds(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
	for i := 0; i < 100; i++ {
		delay := backoffDelay(1, cfg)
		assert.GreaterOrEqual(t, delay, 1600*time.Millisecond)
		assert.LessOrEqual(t, delay, 2400*time.Millisecond)
	}
}
