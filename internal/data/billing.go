package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// SubscriptionStatus represents the database ENUM type for subscription status.
type SubscriptionStatus string

// Subscription status constants. Only active and trialing subscriptions
// contribute a plan limit.
const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// ErrNoActiveSubscription is returned when an organization has no active or
// trialing subscription.
var ErrNoActiveSubscription = errors.New("no active subscription")

// Organization is the GORM model for organizations table.
type Organization struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	Name      string    `gorm:"column:name;size:255;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Organization) TableName() string {
	return "organizations"
}

// Subscription is the GORM model for subscriptions table.
type Subscription struct {
	ID             int64              `gorm:"primaryKey;column:id"`
	OrganizationID int64              `gorm:"column:organization_id;not null;index"`
	PlanID         int64              `gorm:"column:plan_id;not null"`
	Status         SubscriptionStatus `gorm:"column:status;type:enum('active','trialing','past_due','canceled');not null"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Subscription) TableName() string {
	return "subscriptions"
}

// Plan is the GORM model for plans table.
type Plan struct {
	ID             int64     `gorm:"primaryKey;column:id"`
	Name           string    `gorm:"column:name;size:100;not null"`
	DailySendLimit int32     `gorm:"column:daily_send_limit;default:0;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Plan) TableName() string {
	return "plans"
}

// BillingRepo reads subscription plan limits. This module never writes
// billing data.
type BillingRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewBillingRepo creates a new billing repository.
func NewBillingRepo(db *gorm.DB, logger log.Logger) *BillingRepo {
	return &BillingRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// GetDailyLimit returns the daily send limit of the organization's plan.
// Read fresh on every call: a plan change takes effect on the next quota
// decision, never after a cache window.
func (r *BillingRepo) GetDailyLimit(ctx context.Context, organizationID int64) (int32, error) {
	var plan Plan
	err := r.db.WithContext(ctx).
		Joins("JOIN subscriptions ON subscriptions.plan_id = plans.id").
		Where("subscriptions.organization_id = ? AND subscriptions.status IN ?",
			organizationID, []SubscriptionStatus{SubscriptionActive, SubscriptionTrialing}).
		Order("subscriptions.updated_at DESC").
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNoActiveSubscription
		}
		return 0, fmt.Errorf("failed to load plan for organization %d: %w", organizationID, err)
	}

	return plan.DailySendLimit, nil
}
