// Package retry provides exponential backoff retry logic with jitter.
//
// This package implements configurable retry strategies for transient
// failures: exponential backoff with optional jitter, a maximum retry
// count, and context-aware cancellation.
//
// Used by the observer's publisher (reconnect backoff and heartbeat
// retries).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nyxmail/bouncer/logger"
)

// BackoffConfig parameterizes ExponentialBackoff.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// DefaultBackoffConfig returns a starting point of 1s, doubling to a
// cap of 30s, with full jitter, over 5 retries.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns a function mapping attempt number to delay.
// Jitter, when enabled, applies "full jitter": the returned delay is
// uniformly distributed between half of the computed interval and the
// full interval.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		duration := time.Duration(interval)

		if config.Jitter {
			jitter := time.Duration(rand.Int63n(int64(duration/2) + 1))
			duration = duration/2 + jitter
		}

		return duration
	}
}

// RetryableFunc is the operation to retry.
type RetryableFunc func() error

// WithRetry runs fn until it succeeds, the context is cancelled, or
// config.MaxRetries is exhausted, sleeping with exponential backoff
// between attempts.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	var attempts int
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			delay := backoff(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if attempt < config.MaxRetries {
				continue
			}
		} else {
			return nil
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// StopError wraps an error to indicate that WithRetryAdvanced should
// stop retrying immediately and return the wrapped error.
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps err as a StopError.
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError reports whether err is (or wraps) a StopError.
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetryAdvanced is like WithRetry but halts immediately, without
// consuming a retry attempt, when fn returns a StopError — used for
// permanent failures (e.g. ErrDBPermanent) that transient retry
// wouldn't fix.
func WithRetryAdvanced(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	var attempts int
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			delay := backoff(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if IsStopError(err) {
				var stopErr StopError
				errors.As(err, &stopErr)
				logger.Debug("retry stopped by StopError", "attempt", attempts, "error", stopErr.Err)
				return stopErr.Err
			}
			logger.Debug("retry attempt failed", "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
			if attempt < config.MaxRetries {
				continue
			}
		} else {
			return nil
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
