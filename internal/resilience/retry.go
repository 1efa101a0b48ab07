package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // total attempts including the first (default 3)
	InitialDelay time.Duration // delay before the first retry (default 1s)
	MaxDelay     time.Duration // cap on the computed delay (default 10s)
	Multiplier   float64       // backoff multiplier (default 2)
	Jitter       float64       // randomization factor (default 0.2 = ±20%)
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	return c
}

// Retry executes fn with exponential backoff. Non-retryable errors propagate
// immediately; retryable ones are retried until MaxAttempts is exhausted, at
// which point the last error propagates.
func Retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, fn func(ctx context.Context) error) error {
	_, err := RetryResult(ctx, cfg, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryResult is Retry for operations that return a value.
func RetryResult[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(attempt-1, cfg)
		if logger != nil {
			logger.Warn("operation failed, retrying",
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"delay", delay,
				"err", err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}

// backoffDelay computes min(MaxDelay, InitialDelay * Multiplier^attempt) with
// jitter applied. attempt is zero-based: the first retry waits InitialDelay.
func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt)))
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		jitter := (rand.Float64()*2 - 1) * cfg.Jitter * float64(delay)
		delay = time.Duration(float64(delay) + jitter)
		if delay < 0 {
			delay = cfg.InitialDelay
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return delay
}
