// Package retry wraps an operation with bounded exponential backoff.
// Whether a failed attempt is retried is decided by emailerr classification,
// so callers never retry failures that need re-authentication.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"MailSentry/pkg/emailerr"
)

// Operation is the unit of work being retried.
type Operation func(ctx context.Context) error

// OnRetryFunc is invoked after a failed attempt and before the backoff
// sleep. attempt is 1-based. Used to trigger a token refresh before the
// next attempt on auth failures.
type OnRetryFunc func(attempt int, err error)

// Config defines retry behavior.
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// RetryableKinds restricts which classified kinds are retried.
	// Empty means "any kind the classifier marks retryable".
	RetryableKinds []emailerr.Kind
	OnRetry        OnRetryFunc
}

// DefaultConfig provides sensible defaults for provider polling calls.
var DefaultConfig = Config{
	MaxAttempts:       3,
	InitialDelay:      1 * time.Second,
	MaxDelay:          8 * time.Second,
	BackoffMultiplier: 2.0,
}

// Do executes op, retrying classified-retryable failures with exponential
// backoff. The original (classified) error of the last attempt is returned.
func Do(ctx context.Context, op Operation, cfg Config) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultConfig.BackoffMultiplier
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		classified := emailerr.Classify(err)
		lastErr = classified

		if !classified.Retryable || !kindAllowed(classified.Kind, cfg.RetryableKinds) {
			return classified
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, classified)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(backoffDelay(attempt, cfg)):
		}
	}

	return lastErr
}

// backoffDelay computes min(initial * multiplier^(attempt-1), max).
func backoffDelay(attempt int, cfg Config) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func kindAllowed(kind emailerr.Kind, allowed []emailerr.Kind) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, k := range allowed {
		if k == kind {
			return true
		}
	}
	return false
}
