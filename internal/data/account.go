package data

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// AccountStatus represents the database ENUM type for mail account status.
type AccountStatus string

// Account status constants.
const (
	AccountStatusActive       AccountStatus = "active"
	AccountStatusInvalid      AccountStatus = "invalid"
	AccountStatusDisconnected AccountStatus = "disconnected"
)

// ErrAccountNotFound is returned when a mail account does not exist.
var ErrAccountNotFound = errors.New("mail account not found")

// ErrVersionConflict is returned when an optimistic lock update loses the race.
var ErrVersionConflict = errors.New("account version conflict")

// MailAccount is the GORM model for mail_accounts table.
type MailAccount struct {
	ID                    int64         `gorm:"primaryKey;column:id"`
	UserID                int64         `gorm:"column:user_id;not null;index"`
	Email                 string        `gorm:"column:email;size:255;not null"`
	Provider              string        `gorm:"column:provider;size:50;not null"`
	AccessTokenEncrypted  string        `gorm:"column:access_token_encrypted;type:text"`
	RefreshTokenEncrypted string        `gorm:"column:refresh_token_encrypted;type:text"`
	TokenExpiresAt        *time.Time    `gorm:"column:token_expires_at"`
	Status                AccountStatus `gorm:"column:status;type:enum('active','invalid','disconnected');default:'active';not null"`
	LastHistoryID         uint64        `gorm:"column:last_history_id;default:0;not null"`
	DailyQuotaUsed        int32         `gorm:"column:daily_quota_used;default:0;not null"`
	QuotaResetAt          *time.Time    `gorm:"column:quota_reset_at"`
	LastUsedAt            *time.Time    `gorm:"column:last_used_at"`
	Version               int32         `gorm:"column:version;default:1;not null"`
	CreatedAt             time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (MailAccount) TableName() string {
	return "mail_accounts"
}

// Scan implements sql.Scanner interface for AccountStatus.
func (s *AccountStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = AccountStatus(v)
	case string:
		*s = AccountStatus(v)
	default:
		return fmt.Errorf("cannot scan type %T into AccountStatus", value)
	}
	return nil
}

// Value implements driver.Valuer interface for AccountStatus.
func (s AccountStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// AccountRepo provides persistence for mail accounts.
type AccountRepo struct {
	db     *gorm.DB
	data   *Data
	logger *log.Helper
}

// NewAccountRepo creates a new account repository.
func NewAccountRepo(db *gorm.DB, data *Data, logger log.Logger) *AccountRepo {
	return &AccountRepo{
		db:     db,
		data:   data,
		logger: log.NewHelper(logger),
	}
}

// GetByID loads a single account by id.
func (r *AccountRepo) GetByID(ctx context.Context, accountID int64) (*MailAccount, error) {
	var account MailAccount
	err := r.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account %d: %w", accountID, err)
	}
	return &account, nil
}

// ListEligible returns active accounts with a refresh token, ordered by id.
// Detection runs iterate this list in stable batches.
func (r *AccountRepo) ListEligible(ctx context.Context) ([]*MailAccount, error) {
	var accounts []*MailAccount
	err := r.db.WithContext(ctx).
		Where("status = ? AND refresh_token_encrypted <> ''", AccountStatusActive).
		Order("id ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible accounts: %w", err)
	}
	return accounts, nil
}

// ListExpiringTokens returns active accounts whose access token expires
// before the given deadline, for the proactive refresh sweep.
func (r *AccountRepo) ListExpiringTokens(ctx context.Context, before time.Time) ([]*MailAccount, error) {
	var accounts []*MailAccount
	err := r.db.WithContext(ctx).
		Where("status = ? AND refresh_token_encrypted <> '' AND (token_expires_at IS NULL OR token_expires_at < ?)",
			AccountStatusActive, before).
		Order("id ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring accounts: %w", err)
	}
	return accounts, nil
}

// UpdateTokens persists freshly refreshed credentials using optimistic locking.
// The version check prevents a stale refresher from clobbering newer tokens.
func (r *AccountRepo) UpdateTokens(ctx context.Context, accountID int64, version int32, accessEnc, refreshEnc string, expiresAt time.Time) error {
	updates := map[string]interface{}{
		"access_token_encrypted": accessEnc,
		"token_expires_at":       expiresAt,
		"version":                version + 1,
		"updated_at":             time.Now(),
	}
	if refreshEnc != "" {
		updates["refresh_token_encrypted"] = refreshEnc
	}

	result := r.db.WithContext(ctx).
		Model(&MailAccount{}).
		Where("id = ? AND version = ?", accountID, version).
		Updates(updates)

	if result.Error != nil {
		return fmt.Errorf("failed to update tokens for account %d: %w", accountID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}

	r.clearAccountCache(ctx, accountID)
	return nil
}

// MarkInvalid transitions an account to invalid after an unrecoverable
// credential failure. Idempotent.
func (r *AccountRepo) MarkInvalid(ctx context.Context, accountID int64) error {
	result := r.db.WithContext(ctx).
		Model(&MailAccount{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"status":     AccountStatusInvalid,
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to mark account %d invalid: %w", accountID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	r.logger.Warnw("account marked invalid", "account_id", accountID)
	r.clearAccountCache(ctx, accountID)
	return nil
}

// UpdateHistoryID advances the incremental fetch watermark. The guard keeps
// the watermark monotonic when concurrent runs race.
func (r *AccountRepo) UpdateHistoryID(ctx context.Context, accountID int64, historyID uint64) error {
	result := r.db.WithContext(ctx).
		Model(&MailAccount{}).
		Where("id = ? AND last_history_id < ?", accountID, historyID).
		Updates(map[string]interface{}{
			"last_history_id": historyID,
			"updated_at":      time.Now(),
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update history id for account %d: %w", accountID, result.Error)
	}
	return nil
}

// TouchLastUsed records that the account was polled. Best-effort.
func (r *AccountRepo) TouchLastUsed(ctx context.Context, accountID int64) {
	err := r.db.WithContext(ctx).
		Model(&MailAccount{}).
		Where("id = ?", accountID).
		Update("last_used_at", time.Now()).Error
	if err != nil {
		r.logger.Warnw("failed to touch last_used_at", "account_id", accountID, "error", err)
	}
}

// Refresh failure streaks expire after this long; a stale streak should not
// contribute to invalidating an account.
const refreshFailureTTL = 30 * time.Minute

// IncrRefreshFailure bumps the shared consecutive refresh failure counter
// and returns the new count. The counter lives in Redis so failures seen by
// different processes accumulate into one streak.
func (r *AccountRepo) IncrRefreshFailure(ctx context.Context, accountID int64) (int64, error) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return 0, ErrCoordinationUnavailable
	}

	key := BuildCacheKey(CacheKeyRefreshFail, fmt.Sprintf("%d", accountID))
	count, err := rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment refresh failure count for account %d: %w", accountID, err)
	}
	if count == 1 {
		if err := rdb.Expire(ctx, key, refreshFailureTTL).Err(); err != nil {
			r.logger.Warnw("failed to set refresh failure TTL", "account_id", accountID, "error", err)
		}
	}
	return count, nil
}

// ClearRefreshFailure resets the streak after a successful refresh.
func (r *AccountRepo) ClearRefreshFailure(ctx context.Context, accountID int64) {
	rdb := r.data.GetRedisClient()
	if rdb == nil {
		return
	}

	key := BuildCacheKey(CacheKeyRefreshFail, fmt.Sprintf("%d", accountID))
	if err := rdb.Del(ctx, key).Err(); err != nil {
		r.logger.Warnw("failed to clear refresh failure count", "account_id", accountID, "error", err)
	}
}

func (r *AccountRepo) clearAccountCache(ctx context.Context, accountID int64) {
	if r.data == nil || r.data.GetCache() == nil {
		return
	}
	key := BuildCacheKey(CacheKeyAccount, fmt.Sprintf("%d", accountID))
	if err := r.data.GetCache().Delete(ctx, key); err != nil {
		r.logger.Warnw("failed to clear account cache", "account_id", accountID, "error", err)
	}
}
