package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffCapsAtMaxInterval(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          false,
	}
	backoff := ExponentialBackoff(cfg)

	assert.Equal(t, 100*time.Millisecond, backoff(0))
	assert.Equal(t, 100*time.Millisecond, backoff(1))
	assert.Equal(t, 200*time.Millisecond, backoff(2))
	assert.Equal(t, 400*time.Millisecond, backoff(3))
	assert.Equal(t, 500*time.Millisecond, backoff(4), "interval should be capped at MaxInterval")
}

func TestExponentialBackoffJitterStaysInHalfToFullRange(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
	backoff := ExponentialBackoff(cfg)

	for i := 0; i < 50; i++ {
		d := backoff(3)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 5})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	attempts := 0
	sentinel := errors.New("still broken")
	err := WithRetry(context.Background(), func() error {
		attempts++
		return sentinel
	}, BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 2})

	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel))
	assert.Equal(t, 3, attempts, "MaxRetries=2 means 3 total attempts")
}

func TestWithRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := WithRetry(ctx, func() error {
		attempts++
		return errors.New("fail")
	}, BackoffConfig{InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1, MaxRetries: 5})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, attempts, "should fail on the first retry sleep without consuming further attempts")
}

func TestWithRetryAdvancedStopsImmediatelyOnStopError(t *testing.T) {
	attempts := 0
	permanent := errors.New("permanent failure")
	err := WithRetryAdvanced(context.Background(), func() error {
		attempts++
		return Stop(permanent)
	}, BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2, MaxRetries: 5})

	require.Error(t, err)
	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, attempts, "a StopError must halt retries immediately")
}

func TestIsStopError(t *testing.T) {
	assert.True(t, IsStopError(Stop(errors.New("x"))))
	assert.False(t, IsStopError(errors.New("plain")))
}
