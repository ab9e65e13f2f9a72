// Package retry runs an operation repeatedly with backoff until it succeeds,
// fails permanently, or the caller's context ends.
//
// It backs both short bounded retries (publishing, RPC reads) and open-ended
// readiness polling where only the outer deadline limits the attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Unlimited disables the attempt cap; the context alone bounds the loop.
const Unlimited = -1

// Config holds configuration for retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// 0 means a single attempt, Unlimited means retry until ctx ends.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps exponential growth.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the backoff after each retry. A factor of 1
	// gives a fixed polling interval.
	BackoffFactor float64

	// Jitter adds rand(0, backoff) to each wait.
	Jitter bool

	// AttemptTimeout bounds each individual attempt. Zero leaves attempts
	// bounded only by the outer context.
	AttemptTimeout time.Duration
}

// DefaultConfig returns a short bounded retry suited to transient I/O errors.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// PollConfig returns a fixed-interval, unlimited configuration for waiting
// on a condition until the caller's deadline.
func PollConfig(interval, attemptTimeout time.Duration) Config {
	return Config{
		MaxRetries:     Unlimited,
		InitialBackoff: interval,
		MaxBackoff:     interval,
		BackoffFactor:  1,
		AttemptTimeout: attemptTimeout,
	}
}

// IsRetryableFunc determines if an error should trigger a retry.
type IsRetryableFunc func(error) bool

// Always retries every error.
func Always(error) bool { return true }

// OnRetryFunc is called before each retry attempt. attempt is 1-indexed.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// ErrExhausted wraps the last error once MaxRetries is reached.
var ErrExhausted = errors.New("retries exhausted")

// DoCtx executes fn with retry logic, handing each attempt its own context
// derived from ctx and bounded by cfg.AttemptTimeout.
//
// When ctx ends the returned error wraps both ctx.Err() and the last attempt
// error, so callers can test for context.DeadlineExceeded.
func DoCtx[T any](
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if isRetryable == nil {
		isRetryable = Always
	}

	backoff := cfg.InitialBackoff

	for attempt := 0; cfg.MaxRetries == Unlimited || attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			if cfg.Jitter {
				wait += time.Duration(rand.Int63n(int64(backoff)))
			}

			if onRetry != nil {
				onRetry(attempt, lastErr, wait)
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, cancelled(ctx, lastErr)
			case <-timer.C:
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		if err := ctx.Err(); err != nil {
			return zero, cancelled(ctx, lastErr)
		}

		result, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d retries: %w", ErrExhausted, cfg.MaxRetries, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func cancelled(ctx context.Context, lastErr error) error {
	if lastErr == nil {
		return fmt.Errorf("context cancelled while retrying: %w", ctx.Err())
	}
	return fmt.Errorf("context cancelled while retrying: %w (last error: %w)", ctx.Err(), lastErr)
}

// Do is DoCtx for functions that do not need the attempt context.
func Do[T any](
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() (T, error),
) (T, error) {
	return DoCtx(ctx, cfg, isRetryable, onRetry, func(context.Context) (T, error) {
		return fn()
	})
}

// DoVoid is like Do but for functions that don't return a value.
func DoVoid(
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() error,
) error {
	_, err := Do(ctx, cfg, isRetryable, onRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
