package biz

import (
	"context"
	"time"

	"MailSentry/internal/data"
)

// AccountRepo defines the mail account repository interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.AccountRepo).
type AccountRepo interface {
	GetByID(ctx context.Context, accountID int64) (*data.MailAccount, error)
	ListEligible(ctx context.Context) ([]*data.MailAccount, error)
	ListExpiringTokens(ctx context.Context, before time.Time) ([]*data.MailAccount, error)
	UpdateTokens(ctx context.Context, accountID int64, version int32, accessEnc, refreshEnc string, expiresAt time.Time) error
	MarkInvalid(ctx context.Context, accountID int64) error
	UpdateHistoryID(ctx context.Context, accountID int64, historyID uint64) error
	TouchLastUsed(ctx context.Context, accountID int64)
	IncrRefreshFailure(ctx context.Context, accountID int64) (int64, error)
	ClearRefreshFailure(ctx context.Context, accountID int64)
}

// BillingRepo reads subscription plan limits.
type BillingRepo interface {
	GetDailyLimit(ctx context.Context, organizationID int64) (int32, error)
}

// MessageRepo persists message state transitions and their aggregates.
type MessageRepo interface {
	FindRecentSentToRecipient(ctx context.Context, accountID int64, recipient string, since time.Time) (*data.EmailMessage, error)
	ListSentWithThreads(ctx context.Context, accountID int64, since time.Time) ([]*data.EmailMessage, error)
	GetContact(ctx context.Context, contactID int64) (*data.Contact, error)
	GetCampaign(ctx context.Context, campaignID int64) (*data.Campaign, error)
	MarkBounced(ctx context.Context, messageID int64, bounceType data.BounceType, reason string, at time.Time) error
	RecordReply(ctx context.Context, messageID int64, at time.Time) error
	UnsubscribeContact(ctx context.Context, contactID int64) error
	CountConsumedToday(ctx context.Context, accountID int64, dayStart time.Time) (int64, error)
}

// CircuitBreakerRepo stores shared circuit state.
type CircuitBreakerRepo interface {
	GetState(ctx context.Context, accountID int64) (data.BreakerState, error)
	SetOpen(ctx context.Context, accountID int64, openTimeout time.Duration) error
	SetClosed(ctx context.Context, accountID int64) error
	TryAcquireProbe(ctx context.Context, accountID int64) (bool, error)
	IncrFailure(ctx context.Context, accountID int64) (int64, error)
	IncrSuccess(ctx context.Context, accountID int64) (int64, error)
}

// DetectionCacheRepo stores shared processed-message markers.
type DetectionCacheRepo interface {
	IsProcessed(ctx context.Context, namespace, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, namespace, messageID string) error
	MarkProcessedBatch(ctx context.Context, namespace string, messageIDs []string) error
	ClaimFinalClassification(ctx context.Context, messageID, classification string) (bool, string, error)
}

// QuotaRepo persists daily quota counters.
type QuotaRepo interface {
	GetUsage(ctx context.Context, accountID int64) (int32, *time.Time, error)
	TryIncrement(ctx context.Context, accountID int64, limit int32) (bool, error)
	ResetIfDue(ctx context.Context, accountID int64, now time.Time) (bool, error)
	SweepDueResets(ctx context.Context, now time.Time) (int64, error)
}

// SchedulerHealthRepo aggregates job run outcomes.
type SchedulerHealthRepo interface {
	RecordStart(ctx context.Context, job string) error
	RecordSuccess(ctx context.Context, job string, duration time.Duration) error
	RecordFailure(ctx context.Context, job string, duration time.Duration, runErr error) error
	GetStats(ctx context.Context, job string) (*data.JobStats, error)
}
