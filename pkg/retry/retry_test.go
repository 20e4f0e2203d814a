package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"MailSentry/pkg/emailerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Millisecond,
		MaxDelay:          8 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, fastConfig())

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

// An always-failing network error is attempted exactly MaxAttempts times.
func TestDo_NetworkErrorExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("dial tcp: connection refused")
	}, fastConfig())

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, emailerr.IsKind(err, emailerr.KindNetwork))
}

// A permanent error is attempted exactly once.
func TestDo_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("404 not found")
	}, fastConfig())

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, emailerr.IsKind(err, emailerr.KindPermanent))
}

func TestDo_RefreshTokenErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("invalid_grant")
	}, fastConfig())

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, emailerr.NeedsReauth(err))
}

func TestDo_RetryableKindsRestricted(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryableKinds = []emailerr.Kind{emailerr.KindRateLimit}

	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	}, cfg)

	// Network is retryable in general but excluded by the kind set.
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryInvokedBetweenAttempts(t *testing.T) {
	cfg := fastConfig()
	var attempts []int
	cfg.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
	}

	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("401 unauthorized")
		}
		return nil
	}, cfg)

	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = 1 * time.Hour
	cfg.MaxDelay = 1 * time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	}, cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

// Delays are non-decreasing and capped at MaxDelay.
func TestBackoffDelay_CappedAndMonotonic(t *testing.T) {
	cfg := Config{
		InitialDelay:      1 * time.Second,
		MaxDelay:          8 * time.Second,
		BackoffMultiplier: 2.0,
	}

	var prev time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoffDelay(attempt, cfg)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		prev = d
	}
	assert.Equal(t, 1*time.Second, backoffDelay(1, cfg))
	assert.Equal(t, 2*time.Second, backoffDelay(2, cfg))
	assert.Equal(t, 4*time.Second, backoffDelay(3, cfg))
	assert.Equal(t, 8*time.Second, backoffDelay(4, cfg))
	assert.Equal(t, 8*time.Second, backoffDelay(5, cfg))
}

func TestDo_ZeroAttemptsCoercedToOne(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("503 service temporarily unavailable")
	}, Config{MaxAttempts: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
