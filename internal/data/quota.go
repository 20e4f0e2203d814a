package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// QuotaRepo persists per-account daily send quota counters.
type QuotaRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewQuotaRepo creates a new quota repository.
func NewQuotaRepo(db *gorm.DB, logger log.Logger) *QuotaRepo {
	return &QuotaRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// NextResetTime returns the UTC midnight following now. Quota days roll over
// at midnight UTC regardless of account timezone.
func NextResetTime(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// GetUsage returns the current counter and its scheduled reset time.
func (r *QuotaRepo) GetUsage(ctx context.Context, accountID int64) (int32, *time.Time, error) {
	var account MailAccount
	err := r.db.WithContext(ctx).
		Select("daily_quota_used", "quota_reset_at").
		Where("id = ?", accountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil, ErrAccountNotFound
		}
		return 0, nil, fmt.Errorf("failed to read quota for account %d: %w", accountID, err)
	}
	return account.DailyQuotaUsed, account.QuotaResetAt, nil
}

// TryIncrement consumes one quota slot if the counter is still under the
// limit. The guarded update makes concurrent consumers race safely; the row
// count tells the caller whether the slot was granted.
func (r *QuotaRepo) TryIncrement(ctx context.Context, accountID int64, limit int32) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MailAccount{}).
		Where("id = ? AND daily_quota_used < ?", accountID, limit).
		Updates(map[string]interface{}{
			"daily_quota_used": gorm.Expr("daily_quota_used + 1"),
			"updated_at":       time.Now(),
		})

	if result.Error != nil {
		return false, fmt.Errorf("failed to increment quota for account %d: %w", accountID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ResetIfDue zeroes the counter when its reset time has passed. The guard in
// the WHERE clause makes the lazy reset and the nightly sweep idempotent with
// each other.
func (r *QuotaRepo) ResetIfDue(ctx context.Context, accountID int64, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&MailAccount{}).
		Where("id = ? AND (quota_reset_at IS NULL OR quota_reset_at <= ?)", accountID, now).
		Updates(map[string]interface{}{
			"daily_quota_used": 0,
			"quota_reset_at":   NextResetTime(now),
			"updated_at":       time.Now(),
		})

	if result.Error != nil {
		return false, fmt.Errorf("failed to reset quota for account %d: %w", accountID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SweepDueResets zeroes every counter whose reset time has passed. Returns
// the number of accounts reset.
func (r *QuotaRepo) SweepDueResets(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&MailAccount{}).
		Where("quota_reset_at IS NULL OR quota_reset_at <= ?", now).
		Updates(map[string]interface{}{
			"daily_quota_used": 0,
			"quota_reset_at":   NextResetTime(now),
			"updated_at":       time.Now(),
		})

	if result.Error != nil {
		return 0, fmt.Errorf("failed to sweep quota resets: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		r.logger.Infow("quota counters reset", "accounts", result.RowsAffected)
	}
	return result.RowsAffected, nil
}
