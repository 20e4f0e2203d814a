package biz

import (
	"context"
	"errors"
	"time"

	"MailSentry/internal/data"
	"MailSentry/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// Circuit breaker thresholds.
const (
	// breakerFailureThreshold consecutive failures trip the circuit.
	breakerFailureThreshold = 5
	// breakerSuccessThreshold consecutive half-open successes close it.
	breakerSuccessThreshold = 2
	// breakerOpenTimeout is how long an open circuit rejects work before
	// allowing half-open probes.
	breakerOpenTimeout = 5 * time.Minute
)

// Notifier receives best-effort progress events. Implementations must not
// block; a nil Notifier is valid.
type Notifier interface {
	OnCircuitOpened(ctx context.Context, event *model.CircuitOpenedEvent)
	OnCircuitRecovered(ctx context.Context, event *model.CircuitRecoveredEvent)
	OnRunCompleted(ctx context.Context, event *model.DetectionRunEvent)
}

// CircuitBreakerUsecase isolates failing accounts so one broken mailbox
// cannot consume a whole detection run. State lives in a shared store; every
// scheduler process observes the same circuit.
//
// When the store is unreachable the breaker fails open: work proceeds as if
// the circuit were closed, because a lost Redis must degrade detection, not
// halt it.
type CircuitBreakerUsecase struct {
	repo     CircuitBreakerRepo
	notifier Notifier
	logger   *log.Helper
}

// NewCircuitBreakerUsecase creates a new circuit breaker use case.
func NewCircuitBreakerUsecase(repo CircuitBreakerRepo, notifier Notifier, logger log.Logger) *CircuitBreakerUsecase {
	return &CircuitBreakerUsecase{
		repo:     repo,
		notifier: notifier,
		logger:   log.NewHelper(logger),
	}
}

// Allow reports whether work may proceed for the account. Open circuits
// reject; half-open circuits admit a single probe per timeout window.
func (uc *CircuitBreakerUsecase) Allow(ctx context.Context, accountID int64) bool {
	state, err := uc.repo.GetState(ctx, accountID)
	if err != nil {
		if !errors.Is(err, data.ErrCoordinationUnavailable) {
			uc.logger.Warnf("breaker state read failed for account %d: %v (allowing)", accountID, err)
		}
		return true
	}

	switch state {
	case data.BreakerOpen:
		uc.logger.Debugw("circuit open, skipping account", "account_id", accountID)
		return false
	case data.BreakerHalfOpen:
		ok, err := uc.repo.TryAcquireProbe(ctx, accountID)
		if err != nil && !errors.Is(err, data.ErrCoordinationUnavailable) {
			uc.logger.Warnf("probe acquire failed for account %d: %v (allowing)", accountID, err)
			return true
		}
		if !ok {
			uc.logger.Debugw("half-open probe slot taken, skipping account", "account_id", accountID)
		}
		return ok
	default:
		return true
	}
}

// RecordFailure counts a failed provider interaction. Crossing the failure
// threshold trips the circuit; a failed half-open probe re-trips it
// immediately.
func (uc *CircuitBreakerUsecase) RecordFailure(ctx context.Context, accountID int64, cause error) {
	state, stateErr := uc.repo.GetState(ctx, accountID)
	if stateErr == nil && state == data.BreakerHalfOpen {
		uc.open(ctx, accountID, 0, cause)
		return
	}

	count, err := uc.repo.IncrFailure(ctx, accountID)
	if err != nil {
		if !errors.Is(err, data.ErrCoordinationUnavailable) {
			uc.logger.Warnf("failure count increment failed for account %d: %v", accountID, err)
		}
		return
	}

	if count >= breakerFailureThreshold {
		uc.open(ctx, accountID, count, cause)
	}
}

// RecordSuccess counts a successful provider interaction. In half-open
// state, reaching the success threshold closes the circuit.
func (uc *CircuitBreakerUsecase) RecordSuccess(ctx context.Context, accountID int64) {
	state, stateErr := uc.repo.GetState(ctx, accountID)

	count, err := uc.repo.IncrSuccess(ctx, accountID)
	if err != nil {
		if !errors.Is(err, data.ErrCoordinationUnavailable) {
			uc.logger.Warnf("success count increment failed for account %d: %v", accountID, err)
		}
		return
	}

	if stateErr == nil && state == data.BreakerHalfOpen && count >= breakerSuccessThreshold {
		if err := uc.repo.SetClosed(ctx, accountID); err != nil {
			uc.logger.Warnf("failed to close breaker for account %d: %v", accountID, err)
			return
		}
		uc.logger.Infow("circuit recovered", "account_id", accountID, "probe_successes", count)
		if uc.notifier != nil {
			uc.notifier.OnCircuitRecovered(ctx, &model.CircuitRecoveredEvent{
				AccountID:    accountID,
				SuccessCount: count,
				RecoveredAt:  time.Now(),
			})
		}
	}
}

// Reset forces the circuit closed and clears all counters. Used after an
// operator fixed the underlying account problem.
func (uc *CircuitBreakerUsecase) Reset(ctx context.Context, accountID int64) error {
	if err := uc.repo.SetClosed(ctx, accountID); err != nil {
		return err
	}
	uc.logger.Infow("circuit reset", "account_id", accountID)
	return nil
}

func (uc *CircuitBreakerUsecase) open(ctx context.Context, accountID int64, failures int64, cause error) {
	if err := uc.repo.SetOpen(ctx, accountID, breakerOpenTimeout); err != nil {
		if !errors.Is(err, data.ErrCoordinationUnavailable) {
			uc.logger.Warnf("failed to open breaker for account %d: %v", accountID, err)
		}
		return
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	uc.logger.Warnw("circuit opened",
		"account_id", accountID,
		"failures", failures,
		"reason", reason)

	if uc.notifier != nil {
		uc.notifier.OnCircuitOpened(ctx, &model.CircuitOpenedEvent{
			AccountID:    accountID,
			FailureCount: failures,
			OpenedAt:     time.Now(),
			Reason:       reason,
		})
	}
}
