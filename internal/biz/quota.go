package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MailSentry/internal/data"

	"github.com/go-kratos/kratos/v2/log"
)

// fallbackDailyLimit applies when an organization has no resolvable plan.
// Sending stops being free-for-all even when billing data is unreachable.
const fallbackDailyLimit = 500

// ErrQuotaExceeded is returned when an account's daily send quota is spent.
var ErrQuotaExceeded = errors.New("daily send quota exceeded")

// DayAssignment places a number of sends on a day offset from the start day.
type DayAssignment struct {
	// Day is the offset from the distribution start day (0 = today).
	Day int
	// Count is how many items land on that day.
	Count int
}

// QuotaUsecase enforces per-account daily send quotas and plans multi-day
// send distributions against them.
type QuotaUsecase struct {
	quota   QuotaRepo
	billing BillingRepo
	logger  *log.Helper
}

// NewQuotaUsecase creates the quota use case.
func NewQuotaUsecase(quota QuotaRepo, billing BillingRepo, logger log.Logger) *QuotaUsecase {
	return &QuotaUsecase{
		quota:   quota,
		billing: billing,
		logger:  log.NewHelper(logger),
	}
}

// GetDailyLimit resolves the organization's plan limit, falling back to a
// conservative default when no active subscription exists or billing data is
// unreachable.
func (uc *QuotaUsecase) GetDailyLimit(ctx context.Context, organizationID int64) int32 {
	limit, err := uc.billing.GetDailyLimit(ctx, organizationID)
	if err != nil {
		if !errors.Is(err, data.ErrNoActiveSubscription) {
			uc.logger.Warnf("plan limit lookup failed for organization %d: %v (using fallback)", organizationID, err)
		}
		return fallbackDailyLimit
	}
	if limit <= 0 {
		return fallbackDailyLimit
	}
	return limit
}

// Consume takes one quota slot for the account, lazily resetting a stale
// counter first. Returns ErrQuotaExceeded when the account is at its limit.
// Never silently over-consumes: the guarded store increment is the final
// arbiter under concurrency.
func (uc *QuotaUsecase) Consume(ctx context.Context, accountID, organizationID int64) error {
	limit := uc.GetDailyLimit(ctx, organizationID)
	now := time.Now()

	_, resetAt, err := uc.quota.GetUsage(ctx, accountID)
	if err != nil {
		return fmt.Errorf("quota lookup failed: %w", err)
	}
	if resetAt == nil || !resetAt.After(now) {
		if _, err := uc.quota.ResetIfDue(ctx, accountID, now); err != nil {
			return fmt.Errorf("quota reset failed: %w", err)
		}
	}

	granted, err := uc.quota.TryIncrement(ctx, accountID, limit)
	if err != nil {
		return fmt.Errorf("quota increment failed: %w", err)
	}
	if !granted {
		uc.logger.Errorw("daily send quota exhausted, refusing send",
			"account_id", accountID, "limit", limit)
		return ErrQuotaExceeded
	}
	return nil
}

// Remaining reports how many sends the account may still make today.
func (uc *QuotaUsecase) Remaining(ctx context.Context, accountID, organizationID int64) (int32, error) {
	limit := uc.GetDailyLimit(ctx, organizationID)
	now := time.Now()

	used, resetAt, err := uc.quota.GetUsage(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if resetAt == nil || !resetAt.After(now) {
		// Counter is stale; the whole day is available.
		used = 0
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ComputeDistribution deterministically spreads totalSends across days
// under a daily cap: item i lands on day startDay + (i+usedToday)/dailyLimit.
// usedToday seats new items in the remaining capacity of the first day;
// later days get the full limit. A campaign of 10000 sends against a 1000
// cap with a fresh day spans exactly days 0 through 9.
func ComputeDistribution(totalSends, dailyLimit, usedToday, startDay int) []DayAssignment {
	if totalSends <= 0 || dailyLimit <= 0 {
		return nil
	}
	if usedToday < 0 {
		usedToday = 0
	}

	var out []DayAssignment
	index := 0
	for index < totalSends {
		day := startDay + (index+usedToday)/dailyLimit
		capacity := dailyLimit
		if len(out) == 0 {
			capacity = dailyLimit - (index+usedToday)%dailyLimit
		}
		count := totalSends - index
		if count > capacity {
			count = capacity
		}
		out = append(out, DayAssignment{Day: day, Count: count})
		index += count
	}
	return out
}

// ScheduleTimes converts a distribution into concrete scheduledSendAt days,
// one timestamp per item at the start of its assigned day.
func ScheduleTimes(assignments []DayAssignment, dayZero time.Time) []time.Time {
	var out []time.Time
	base := dayZero.UTC().Truncate(24 * time.Hour)
	for _, a := range assignments {
		day := base.Add(time.Duration(a.Day) * 24 * time.Hour)
		for i := 0; i < a.Count; i++ {
			out = append(out, day)
		}
	}
	return out
}

// SweepDueResets runs the nightly counter reset across all accounts.
func (uc *QuotaUsecase) SweepDueResets(ctx context.Context) (int64, error) {
	return uc.quota.SweepDueResets(ctx, time.Now())
}
