package biz

import (
	"context"
	"errors"
	"time"

	"MailSentry/internal/data"
	"MailSentry/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// Health thresholds.
const (
	// healthMinSuccessRate is the success rate below which a job reads as
	// unhealthy.
	healthMinSuccessRate = 0.8
	// healthMaxSilence is how long a job may go without a success before it
	// reads as unhealthy.
	healthMaxSilence = time.Hour
)

// JobHealth is the evaluated health of one scheduled job.
type JobHealth struct {
	Job           string        `json:"job"`
	Healthy       bool          `json:"healthy"`
	Runs          int64         `json:"runs"`
	Successes     int64         `json:"successes"`
	Failures      int64         `json:"failures"`
	SuccessRate   float64       `json:"success_rate"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	LastError     string        `json:"last_error,omitempty"`
}

// SchedulerHealthUsecase wraps scheduled runs with outcome accounting and
// evaluates job health from the aggregated history.
type SchedulerHealthUsecase struct {
	repo   SchedulerHealthRepo
	logger *log.Helper
}

// NewSchedulerHealthUsecase creates the scheduler health use case.
func NewSchedulerHealthUsecase(repo SchedulerHealthRepo, logger log.Logger) *SchedulerHealthUsecase {
	return &SchedulerHealthUsecase{
		repo:   repo,
		logger: log.NewHelper(logger),
	}
}

// WrapRun executes fn under start/success/failure accounting. Accounting
// failures never fail the run itself.
func (uc *SchedulerHealthUsecase) WrapRun(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	if err := uc.repo.RecordStart(ctx, job); err != nil &&
		!errors.Is(err, data.ErrCoordinationUnavailable) {
		uc.logger.Warnf("failed to record run start for %s: %v", job, err)
	}

	start := time.Now()
	runErr := fn(ctx)
	duration := time.Since(start)

	var recErr error
	if runErr != nil {
		recErr = uc.repo.RecordFailure(ctx, job, duration, runErr)
	} else {
		recErr = uc.repo.RecordSuccess(ctx, job, duration)
	}
	if recErr != nil && !errors.Is(recErr, data.ErrCoordinationUnavailable) {
		uc.logger.Warnf("failed to record run outcome for %s: %v", job, recErr)
	}

	return runErr
}

// Evaluate grades one job's health: healthy means a success rate of at
// least 80 percent and at least one success within the last hour. A job
// with no history yet is healthy by default.
func (uc *SchedulerHealthUsecase) Evaluate(ctx context.Context, job string) (*JobHealth, error) {
	stats, err := uc.repo.GetStats(ctx, job)
	if err != nil {
		return nil, err
	}
	return evaluateStats(stats, time.Now()), nil
}

// Report evaluates every known scheduled job.
func (uc *SchedulerHealthUsecase) Report(ctx context.Context) ([]*JobHealth, error) {
	jobs := []string{
		model.JobBounceDetection,
		model.JobReplyDetection,
		model.JobTokenRefresh,
		model.JobQuotaSweep,
	}

	out := make([]*JobHealth, 0, len(jobs))
	for _, job := range jobs {
		health, err := uc.Evaluate(ctx, job)
		if err != nil {
			return nil, err
		}
		out = append(out, health)
	}
	return out, nil
}

func evaluateStats(stats *data.JobStats, now time.Time) *JobHealth {
	health := &JobHealth{
		Job:           stats.Job,
		Runs:          stats.Runs,
		Successes:     stats.Successes,
		Failures:      stats.Failures,
		LastSuccessAt: stats.LastSuccessAt,
		LastFailureAt: stats.LastFailureAt,
		LastError:     stats.LastError,
		Healthy:       true,
	}

	completed := stats.Successes + stats.Failures
	if completed > 0 {
		health.SuccessRate = float64(stats.Successes) / float64(completed)
		health.AvgDuration = stats.TotalDuration / time.Duration(completed)
	} else {
		health.SuccessRate = 1.0
	}

	if stats.Runs == 0 {
		return health
	}

	if health.SuccessRate < healthMinSuccessRate {
		health.Healthy = false
	}
	if stats.LastSuccessAt.IsZero() || now.Sub(stats.LastSuccessAt) > healthMaxSilence {
		health.Healthy = false
	}
	return health
}
