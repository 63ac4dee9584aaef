package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for upstream calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Subsequent retries
	// wait BaseDelay * 2^(n-1).
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// JitterFraction randomizes each delay by ±fraction (0.2 = ±20%).
	JitterFraction float64
}

// DefaultRetryConfig returns the retry policy used by provider clients.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       16 * time.Second,
		JitterFraction: 0.2,
	}
}

// backoffDelay returns the jittered exponential delay before retry n (1-indexed).
func (cfg RetryConfig) backoffDelay(n int) time.Duration {
	delay := cfg.BaseDelay << (n - 1)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFraction > 0 {
		spread := 1.0 + cfg.JitterFraction*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	return delay
}

// RetryWithResult executes fn with exponential backoff, retrying only
// errors marked retryable. The attempt number (1-indexed) is passed to fn
// for logging. Context cancellation aborts immediately.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.backoffDelay(attempt)):
		}
	}

	return zero, lastErr
}

// Retry executes fn with the same policy as RetryWithResult for functions
// without a result value.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	_, err := RetryWithResult(ctx, cfg, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}
