package elasticsearch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: Duration(time.Millisecond),
		MaxDelay:     Duration(5 * time.Millisecond),
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), testLogger(), "op", fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryExhausted(t *testing.T) {
	boom := errors.New("boom")

	attempts := 0
	err := Retry(context.Background(), testLogger(), "op", fastRetryConfig(), func() error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, attempts)
	require.Contains(t, err.Error(), "all 3 attempts")
}

func TestRetryCancelled(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.InitialDelay = Duration(time.Hour) // a cancelled retry must not wait this out

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	start := time.Now()
	err := Retry(ctx, testLogger(), "op", cfg, func() error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
	require.Less(t, time.Since(start), time.Second)
}

func TestRetryDefaultsApplied(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), testLogger(), "op", RetryConfig{}, func() error {
		attempts++
		return errors.New("transient")
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestComputeDelayBounds(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay:   Duration(100 * time.Millisecond),
		MaxDelay:       Duration(10 * time.Second),
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}

	first := computeDelay(1, cfg)
	require.Greater(t, first, time.Duration(0))
	require.InDelta(t, float64(100*time.Millisecond), float64(first), float64(10*time.Millisecond))

	// jitter never reorders far-apart attempts
	third := computeDelay(3, cfg)
	require.Greater(t, third, first)

	// growth is capped
	cfg.InitialDelay = Duration(8 * time.Second)
	require.Equal(t, 10*time.Second, computeDelay(2, cfg))
}
