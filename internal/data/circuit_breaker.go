package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// BreakerState represents the stored circuit breaker state for an account.
type BreakerState string

// Circuit breaker states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCoordinationUnavailable is returned when Redis is not available.
// Callers treat it as permission to proceed (fail-open).
var ErrCoordinationUnavailable = errors.New("coordination store unavailable")

// Counter TTLs. A failure streak that goes quiet for this long no longer
// counts toward tripping the breaker.
const (
	breakerCounterTTL = 10 * time.Minute
	breakerTrippedTTL = 24 * time.Hour
	breakerProbeTTL   = 30 * time.Second
)

// CircuitBreakerRepo stores per-account breaker state in Redis so that all
// scheduler processes observe the same circuit.
type CircuitBreakerRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewCircuitBreakerRepo creates a new circuit breaker repository.
func NewCircuitBreakerRepo(rdb *redis.Client, logger log.Logger) *CircuitBreakerRepo {
	return &CircuitBreakerRepo{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

func (r *CircuitBreakerRepo) stateKey(accountID int64) string {
	return fmt.Sprintf("circuit:%d:state", accountID)
}

func (r *CircuitBreakerRepo) trippedKey(accountID int64) string {
	return fmt.Sprintf("circuit:%d:tripped", accountID)
}

func (r *CircuitBreakerRepo) failureKey(accountID int64) string {
	return fmt.Sprintf("circuit:%d:failures", accountID)
}

func (r *CircuitBreakerRepo) successKey(accountID int64) string {
	return fmt.Sprintf("circuit:%d:successes", accountID)
}

func (r *CircuitBreakerRepo) probeKey(accountID int64) string {
	return fmt.Sprintf("circuit:%d:probe", accountID)
}

// GetState reads the current breaker state. An expired open marker with the
// tripped flag still present reads as half-open.
func (r *CircuitBreakerRepo) GetState(ctx context.Context, accountID int64) (BreakerState, error) {
	if r.rdb == nil {
		return BreakerClosed, ErrCoordinationUnavailable
	}

	state, err := r.rdb.Get(ctx, r.stateKey(accountID)).Result()
	if err == nil && state == string(BreakerOpen) {
		return BreakerOpen, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return BreakerClosed, fmt.Errorf("failed to read breaker state: %w", err)
	}

	tripped, err := r.rdb.Exists(ctx, r.trippedKey(accountID)).Result()
	if err != nil {
		return BreakerClosed, fmt.Errorf("failed to read breaker tripped flag: %w", err)
	}
	if tripped > 0 {
		return BreakerHalfOpen, nil
	}
	return BreakerClosed, nil
}

// SetOpen trips the breaker. The open marker expires after openTimeout, at
// which point the tripped flag makes the state read as half-open.
func (r *CircuitBreakerRepo) SetOpen(ctx context.Context, accountID int64, openTimeout time.Duration) error {
	if r.rdb == nil {
		return ErrCoordinationUnavailable
	}

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, r.stateKey(accountID), string(BreakerOpen), openTimeout)
	pipe.Set(ctx, r.trippedKey(accountID), "1", breakerTrippedTTL)
	pipe.Del(ctx, r.failureKey(accountID), r.successKey(accountID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to open breaker for account %d: %w", accountID, err)
	}
	return nil
}

// SetClosed fully resets the breaker after successful recovery.
func (r *CircuitBreakerRepo) SetClosed(ctx context.Context, accountID int64) error {
	if r.rdb == nil {
		return ErrCoordinationUnavailable
	}

	err := r.rdb.Del(ctx,
		r.stateKey(accountID),
		r.trippedKey(accountID),
		r.failureKey(accountID),
		r.successKey(accountID),
		r.probeKey(accountID),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to close breaker for account %d: %w", accountID, err)
	}
	return nil
}

// TryAcquireProbe claims the single half-open probe slot. Returns false when
// another process is already probing the account.
func (r *CircuitBreakerRepo) TryAcquireProbe(ctx context.Context, accountID int64) (bool, error) {
	if r.rdb == nil {
		return true, ErrCoordinationUnavailable
	}

	ok, err := r.rdb.SetNX(ctx, r.probeKey(accountID), "1", breakerProbeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire probe slot for account %d: %w", accountID, err)
	}
	return ok, nil
}

// IncrFailure increments the consecutive failure counter and returns the new
// count. The TTL is set on the first increment so an idle streak expires.
func (r *CircuitBreakerRepo) IncrFailure(ctx context.Context, accountID int64) (int64, error) {
	if r.rdb == nil {
		return 0, ErrCoordinationUnavailable
	}

	key := r.failureKey(accountID)
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment failure count for account %d: %w", accountID, err)
	}
	if count == 1 {
		if err := r.rdb.Expire(ctx, key, breakerCounterTTL).Err(); err != nil {
			r.logger.Warnw("failed to set failure counter TTL", "account_id", accountID, "error", err)
		}
	}

	// A failure breaks any success streak.
	if err := r.rdb.Del(ctx, r.successKey(accountID)).Err(); err != nil {
		r.logger.Warnw("failed to reset success counter", "account_id", accountID, "error", err)
	}

	return count, nil
}

// IncrSuccess increments the consecutive success counter and returns the new
// count. Successes also break the failure streak.
func (r *CircuitBreakerRepo) IncrSuccess(ctx context.Context, accountID int64) (int64, error) {
	if r.rdb == nil {
		return 0, ErrCoordinationUnavailable
	}

	key := r.successKey(accountID)
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment success count for account %d: %w", accountID, err)
	}
	if count == 1 {
		if err := r.rdb.Expire(ctx, key, breakerCounterTTL).Err(); err != nil {
			r.logger.Warnw("failed to set success counter TTL", "account_id", accountID, "error", err)
		}
	}

	if err := r.rdb.Del(ctx, r.failureKey(accountID)).Err(); err != nil {
		r.logger.Warnw("failed to reset failure counter", "account_id", accountID, "error", err)
	}

	return count, nil
}
