package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// Health hash field names.
const (
	healthFieldRuns          = "runs"
	healthFieldSuccesses     = "successes"
	healthFieldFailures      = "failures"
	healthFieldDurationMs    = "duration_ms_total"
	healthFieldLastSuccessAt = "last_success_at"
	healthFieldLastFailureAt = "last_failure_at"
	healthFieldLastError     = "last_error"
)

// Health stats older than this are not interesting.
const healthHashTTL = 7 * 24 * time.Hour

// JobStats is a snapshot of one job's aggregated run history.
type JobStats struct {
	Job           string
	Runs          int64
	Successes     int64
	Failures      int64
	TotalDuration time.Duration
	LastSuccessAt time.Time
	LastFailureAt time.Time
	LastError     string
}

// SchedulerHealthRepo aggregates job run outcomes in a Redis hash shared by
// every scheduler process. HIncrBy keeps concurrent writers consistent.
type SchedulerHealthRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewSchedulerHealthRepo creates a new scheduler health repository.
func NewSchedulerHealthRepo(rdb *redis.Client, logger log.Logger) *SchedulerHealthRepo {
	return &SchedulerHealthRepo{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

func healthKey(job string) string {
	return BuildCacheKey(CacheKeySchedHealth, job)
}

// RecordStart counts a run attempt.
func (r *SchedulerHealthRepo) RecordStart(ctx context.Context, job string) error {
	if r.rdb == nil {
		return ErrCoordinationUnavailable
	}

	key := healthKey(job)
	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, healthFieldRuns, 1)
	pipe.Expire(ctx, key, healthHashTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record run start for %s: %w", job, err)
	}
	return nil
}

// RecordSuccess counts a successful run and its duration.
func (r *SchedulerHealthRepo) RecordSuccess(ctx context.Context, job string, duration time.Duration) error {
	if r.rdb == nil {
		return ErrCoordinationUnavailable
	}

	key := healthKey(job)
	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, healthFieldSuccesses, 1)
	pipe.HIncrBy(ctx, key, healthFieldDurationMs, duration.Milliseconds())
	pipe.HSet(ctx, key, healthFieldLastSuccessAt, time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, healthHashTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record run success for %s: %w", job, err)
	}
	return nil
}

// RecordFailure counts a failed run with its error text.
func (r *SchedulerHealthRepo) RecordFailure(ctx context.Context, job string, duration time.Duration, runErr error) error {
	if r.rdb == nil {
		return ErrCoordinationUnavailable
	}

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
		if len(errText) > 512 {
			errText = errText[:512]
		}
	}

	key := healthKey(job)
	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, healthFieldFailures, 1)
	pipe.HIncrBy(ctx, key, healthFieldDurationMs, duration.Milliseconds())
	pipe.HSet(ctx, key, healthFieldLastFailureAt, time.Now().UTC().Format(time.RFC3339))
	pipe.HSet(ctx, key, healthFieldLastError, errText)
	pipe.Expire(ctx, key, healthHashTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record run failure for %s: %w", job, err)
	}
	return nil
}

// GetStats reads the aggregated stats for a job. A missing hash returns
// zeroed stats, not an error.
func (r *SchedulerHealthRepo) GetStats(ctx context.Context, job string) (*JobStats, error) {
	if r.rdb == nil {
		return nil, ErrCoordinationUnavailable
	}

	fields, err := r.rdb.HGetAll(ctx, healthKey(job)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read health stats for %s: %w", job, err)
	}

	stats := &JobStats{Job: job}
	stats.Runs = parseHealthInt(fields[healthFieldRuns])
	stats.Successes = parseHealthInt(fields[healthFieldSuccesses])
	stats.Failures = parseHealthInt(fields[healthFieldFailures])
	stats.TotalDuration = time.Duration(parseHealthInt(fields[healthFieldDurationMs])) * time.Millisecond
	stats.LastSuccessAt = parseHealthTime(fields[healthFieldLastSuccessAt])
	stats.LastFailureAt = parseHealthTime(fields[healthFieldLastFailureAt])
	stats.LastError = fields[healthFieldLastError]
	return stats, nil
}

func parseHealthInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseHealthTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
