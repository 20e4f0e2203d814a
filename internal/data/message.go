package data

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	pkgerrors "MailSentry/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageStatus represents the database ENUM type for email message status.
type MessageStatus string

// Email message status constants. Not a strict linear state machine:
// BOUNCED and REPLIED are mutually exclusive terminal-ish states reachable
// from any post-send status.
const (
	MessageQueued    MessageStatus = "queued"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageOpened    MessageStatus = "opened"
	MessageClicked   MessageStatus = "clicked"
	MessageBounced   MessageStatus = "bounced"
	MessageReplied   MessageStatus = "replied"
	MessageFailed    MessageStatus = "failed"
	MessageCancelled MessageStatus = "cancelled"
)

// ContactStatus represents the database ENUM type for contact status.
type ContactStatus string

// Contact status constants.
const (
	ContactActive       ContactStatus = "active"
	ContactSuspended    ContactStatus = "suspended"
	ContactUnsubscribed ContactStatus = "unsubscribed"
)

// BounceType classifies the severity of a bounce.
type BounceType string

// Bounce type constants.
const (
	BounceHard      BounceType = "hard"
	BounceSoft      BounceType = "soft"
	BounceSpamBlock BounceType = "spam_block"
)

// Errors returned by the message repository.
var (
	ErrMessageNotFound = errors.New("email message not found")
	ErrContactNotFound = errors.New("contact not found")
	ErrAlreadyBounced  = errors.New("message already bounced")
)

// How many times a transactional update is retried on deadlock.
const txMaxRetries = 3

// Contacts with this many bounces are suspended regardless of severity.
const contactBounceSuspendThreshold = 3

// EmailMessage is the GORM model for email_messages table.
type EmailMessage struct {
	ID                int64         `gorm:"primaryKey;column:id"`
	CampaignID        int64         `gorm:"column:campaign_id;not null;index"`
	CampaignStepID    int64         `gorm:"column:campaign_step_id;not null;index"`
	ContactID         int64         `gorm:"column:contact_id;not null;index"`
	AccountID         int64         `gorm:"column:account_id;not null;index"`
	Recipient         string        `gorm:"column:recipient;size:255;not null;index"`
	ExternalMessageID string        `gorm:"column:external_message_id;size:255;index"`
	ExternalThreadID  string        `gorm:"column:external_thread_id;size:255;index"`
	Status            MessageStatus `gorm:"column:status;type:enum('queued','sending','sent','delivered','opened','clicked','bounced','replied','failed','cancelled');default:'queued';not null"`
	ScheduledSendAt   *time.Time    `gorm:"column:scheduled_send_at"`
	SentAt            *time.Time    `gorm:"column:sent_at"`
	DeliveredAt       *time.Time    `gorm:"column:delivered_at"`
	BouncedAt         *time.Time    `gorm:"column:bounced_at"`
	RepliedAt         *time.Time    `gorm:"column:replied_at"`
	BounceType        *BounceType   `gorm:"column:bounce_type;type:enum('hard','soft','spam_block')"`
	BounceReason      *string       `gorm:"column:bounce_reason;type:text"`
	ReplyCount        int32         `gorm:"column:reply_count;default:0;not null"`
	CreatedAt         time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (EmailMessage) TableName() string {
	return "email_messages"
}

// Contact is the GORM model for contacts table.
type Contact struct {
	ID              int64         `gorm:"primaryKey;column:id"`
	Email           string        `gorm:"column:email;size:255;not null;index"`
	Status          ContactStatus `gorm:"column:status;type:enum('active','suspended','unsubscribed');default:'active';not null"`
	BounceCount     int32         `gorm:"column:bounce_count;default:0;not null"`
	LastContactedAt *time.Time    `gorm:"column:last_contacted_at"`
	LastRepliedAt   *time.Time    `gorm:"column:last_replied_at"`
	CreatedAt       time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Contact) TableName() string {
	return "contacts"
}

// Campaign is the GORM model for campaigns table.
type Campaign struct {
	ID                int64     `gorm:"primaryKey;column:id"`
	OrganizationID    int64     `gorm:"column:organization_id;not null;index"`
	UnsubscribePhrase string    `gorm:"column:unsubscribe_phrase;size:255"`
	EmailsSent        int32     `gorm:"column:emails_sent;default:0;not null"`
	EmailsBounced     int32     `gorm:"column:emails_bounced;default:0;not null"`
	EmailsReplied     int32     `gorm:"column:emails_replied;default:0;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Campaign) TableName() string {
	return "campaigns"
}

// CampaignStep is the GORM model for campaign_steps table.
type CampaignStep struct {
	ID            int64     `gorm:"primaryKey;column:id"`
	CampaignID    int64     `gorm:"column:campaign_id;not null;index"`
	EmailsSent    int32     `gorm:"column:emails_sent;default:0;not null"`
	EmailsBounced int32     `gorm:"column:emails_bounced;default:0;not null"`
	EmailsReplied int32     `gorm:"column:emails_replied;default:0;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (CampaignStep) TableName() string {
	return "campaign_steps"
}

// Scan implements sql.Scanner interface for MessageStatus.
func (s *MessageStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = MessageStatus(v)
	case string:
		*s = MessageStatus(v)
	default:
		return fmt.Errorf("cannot scan type %T into MessageStatus", value)
	}
	return nil
}

// Value implements driver.Valuer interface for MessageStatus.
func (s MessageStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner interface for ContactStatus.
func (s *ContactStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = ContactStatus(v)
	case string:
		*s = ContactStatus(v)
	default:
		return fmt.Errorf("cannot scan type %T into ContactStatus", value)
	}
	return nil
}

// Value implements driver.Valuer interface for ContactStatus.
func (s ContactStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner interface for BounceType.
func (b *BounceType) Scan(value interface{}) error {
	if value == nil {
		*b = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*b = BounceType(v)
	case string:
		*b = BounceType(v)
	default:
		return fmt.Errorf("cannot scan type %T into BounceType", value)
	}
	return nil
}

// Value implements driver.Valuer interface for BounceType.
func (b BounceType) Value() (driver.Value, error) {
	return string(b), nil
}

// MessageRepo persists email message state transitions and keeps contact,
// campaign and step aggregates consistent with them.
type MessageRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewMessageRepo creates a new message repository.
func NewMessageRepo(db *gorm.DB, logger log.Logger) *MessageRepo {
	return &MessageRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// FindRecentSentToRecipient returns the most recent post-send message for a
// recipient from the given account within the lookback window. Bounced
// messages are excluded; replied messages are included because a bounce must
// be able to correct a prior reply miscount.
func (r *MessageRepo) FindRecentSentToRecipient(ctx context.Context, accountID int64, recipient string, since time.Time) (*EmailMessage, error) {
	var msg EmailMessage
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND recipient = ? AND sent_at >= ? AND status IN ?",
			accountID, recipient, since,
			[]MessageStatus{MessageSent, MessageDelivered, MessageOpened, MessageClicked, MessageReplied}).
		Order("sent_at DESC").
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to find message for recipient %s: %w", recipient, err)
	}
	return &msg, nil
}

// ListSentWithThreads returns messages from the account that have an
// external thread id and were sent within the lookback window. Reply
// detection walks these threads.
func (r *MessageRepo) ListSentWithThreads(ctx context.Context, accountID int64, since time.Time) ([]*EmailMessage, error) {
	var msgs []*EmailMessage
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND external_thread_id <> '' AND sent_at >= ? AND status IN ?",
			accountID, since,
			[]MessageStatus{MessageSent, MessageDelivered, MessageOpened, MessageClicked, MessageReplied}).
		Order("sent_at DESC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list threaded messages for account %d: %w", accountID, err)
	}
	return msgs, nil
}

// GetContact loads a contact by id.
func (r *MessageRepo) GetContact(ctx context.Context, contactID int64) (*Contact, error) {
	var contact Contact
	err := r.db.WithContext(ctx).Where("id = ?", contactID).First(&contact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to get contact %d: %w", contactID, err)
	}
	return &contact, nil
}

// GetCampaign loads a campaign by id.
func (r *MessageRepo) GetCampaign(ctx context.Context, campaignID int64) (*Campaign, error) {
	var campaign Campaign
	err := r.db.WithContext(ctx).Where("id = ?", campaignID).First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("campaign %d not found", campaignID)
		}
		return nil, fmt.Errorf("failed to get campaign %d: %w", campaignID, err)
	}
	return &campaign, nil
}

// MarkBounced transitions a message to BOUNCED and reconciles every
// dependent aggregate in one transaction:
//   - reverses a prior reply credit (reply fields zeroed, step/campaign
//     reply counts reduced by exactly the amount previously added, never
//     below zero)
//   - increments step/campaign bounce counts
//   - increments the contact bounce counter in place and suspends the
//     contact on hard or spam-block bounces or a bounce streak
//
// Idempotent: a message already in BOUNCED state returns ErrAlreadyBounced
// without touching any aggregate.
func (r *MessageRepo) MarkBounced(ctx context.Context, messageID int64, bounceType BounceType, reason string, at time.Time) error {
	return r.withDeadlockRetry(ctx, "mark bounced", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var msg EmailMessage
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ?", messageID).
				First(&msg).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrMessageNotFound
				}
				return fmt.Errorf("failed to lock message %d: %w", messageID, err)
			}

			if msg.Status == MessageBounced {
				return ErrAlreadyBounced
			}

			priorReplies := msg.ReplyCount

			updates := map[string]interface{}{
				"status":        MessageBounced,
				"bounced_at":    at,
				"bounce_type":   bounceType,
				"bounce_reason": reason,
				"reply_count":   0,
				"replied_at":    nil,
				"updated_at":    time.Now(),
			}
			if err := tx.Model(&EmailMessage{}).Where("id = ?", messageID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to mark message %d bounced: %w", messageID, err)
			}

			if priorReplies > 0 {
				if err := r.reverseReplyAggregates(tx, msg.CampaignID, msg.CampaignStepID, priorReplies); err != nil {
					return err
				}
			}

			if err := tx.Model(&Campaign{}).Where("id = ?", msg.CampaignID).
				Update("emails_bounced", gorm.Expr("emails_bounced + 1")).Error; err != nil {
				return fmt.Errorf("failed to increment campaign bounce count: %w", err)
			}
			if err := tx.Model(&CampaignStep{}).Where("id = ?", msg.CampaignStepID).
				Update("emails_bounced", gorm.Expr("emails_bounced + 1")).Error; err != nil {
				return fmt.Errorf("failed to increment step bounce count: %w", err)
			}

			return r.applyContactBounce(tx, msg.ContactID, bounceType)
		})
	})
}

// reverseReplyAggregates undoes a prior reply credit on step and campaign.
// GREATEST keeps the counters at zero if an earlier partial failure already
// reduced them.
func (r *MessageRepo) reverseReplyAggregates(tx *gorm.DB, campaignID, stepID int64, amount int32) error {
	if err := tx.Model(&Campaign{}).Where("id = ?", campaignID).
		Update("emails_replied", gorm.Expr("GREATEST(emails_replied - ?, 0)", amount)).Error; err != nil {
		return fmt.Errorf("failed to reverse campaign reply count: %w", err)
	}
	if err := tx.Model(&CampaignStep{}).Where("id = ?", stepID).
		Update("emails_replied", gorm.Expr("GREATEST(emails_replied - ?, 0)", amount)).Error; err != nil {
		return fmt.Errorf("failed to reverse step reply count: %w", err)
	}
	return nil
}

// applyContactBounce bumps the contact bounce counter in place and suspends
// the contact on severe or repeated bounces.
func (r *MessageRepo) applyContactBounce(tx *gorm.DB, contactID int64, bounceType BounceType) error {
	if err := tx.Model(&Contact{}).Where("id = ?", contactID).
		Update("bounce_count", gorm.Expr("bounce_count + 1")).Error; err != nil {
		return fmt.Errorf("failed to increment contact bounce count: %w", err)
	}

	suspend := bounceType == BounceHard || bounceType == BounceSpamBlock
	if !suspend {
		var contact Contact
		if err := tx.Select("bounce_count").Where("id = ?", contactID).First(&contact).Error; err != nil {
			return fmt.Errorf("failed to reload contact %d: %w", contactID, err)
		}
		suspend = contact.BounceCount >= contactBounceSuspendThreshold
	}

	if suspend {
		err := tx.Model(&Contact{}).
			Where("id = ? AND status = ?", contactID, ContactActive).
			Update("status", ContactSuspended).Error
		if err != nil {
			return fmt.Errorf("failed to suspend contact %d: %w", contactID, err)
		}
	}
	return nil
}

// RecordReply credits a reply against a tracked message in one transaction:
// message status and counters, contact reply timestamps, step and campaign
// aggregates. A message already bounced is never credited.
func (r *MessageRepo) RecordReply(ctx context.Context, messageID int64, at time.Time) error {
	return r.withDeadlockRetry(ctx, "record reply", func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var msg EmailMessage
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("id = ?", messageID).
				First(&msg).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrMessageNotFound
				}
				return fmt.Errorf("failed to lock message %d: %w", messageID, err)
			}

			if msg.Status == MessageBounced {
				return ErrAlreadyBounced
			}

			updates := map[string]interface{}{
				"status":      MessageReplied,
				"replied_at":  at,
				"reply_count": gorm.Expr("reply_count + 1"),
				"updated_at":  time.Now(),
			}
			if err := tx.Model(&EmailMessage{}).Where("id = ?", messageID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to record reply on message %d: %w", messageID, err)
			}

			if err := tx.Model(&Contact{}).Where("id = ?", msg.ContactID).
				Updates(map[string]interface{}{
					"last_replied_at":   at,
					"last_contacted_at": at,
				}).Error; err != nil {
				return fmt.Errorf("failed to update contact reply timestamps: %w", err)
			}

			if err := tx.Model(&Campaign{}).Where("id = ?", msg.CampaignID).
				Update("emails_replied", gorm.Expr("emails_replied + 1")).Error; err != nil {
				return fmt.Errorf("failed to increment campaign reply count: %w", err)
			}
			if err := tx.Model(&CampaignStep{}).Where("id = ?", msg.CampaignStepID).
				Update("emails_replied", gorm.Expr("emails_replied + 1")).Error; err != nil {
				return fmt.Errorf("failed to increment step reply count: %w", err)
			}

			return nil
		})
	})
}

// UnsubscribeContact flips a contact to unsubscribed. Idempotent.
func (r *MessageRepo) UnsubscribeContact(ctx context.Context, contactID int64) error {
	result := r.db.WithContext(ctx).
		Model(&Contact{}).
		Where("id = ? AND status <> ?", contactID, ContactUnsubscribed).
		Update("status", ContactUnsubscribed)
	if result.Error != nil {
		return fmt.Errorf("failed to unsubscribe contact %d: %w", contactID, result.Error)
	}
	return nil
}

// CountConsumedToday counts messages that consumed quota today: sent plus
// still-queued plus failed-after-consuming. Used to seat new sends in the
// remaining capacity of the current day.
func (r *MessageRepo) CountConsumedToday(ctx context.Context, accountID int64, dayStart time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&EmailMessage{}).
		Where("account_id = ? AND scheduled_send_at >= ? AND status IN ?",
			accountID, dayStart,
			[]MessageStatus{MessageQueued, MessageSending, MessageSent, MessageDelivered,
				MessageOpened, MessageClicked, MessageBounced, MessageReplied, MessageFailed}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count consumed quota for account %d: %w", accountID, err)
	}
	return count, nil
}

// withDeadlockRetry retries a transactional closure a few times when MySQL
// reports a deadlock or lock wait timeout.
func (r *MessageRepo) withDeadlockRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= txMaxRetries; attempt++ {
		err = fn()
		if err == nil || !pkgerrors.IsDeadlockError(err) {
			return err
		}
		r.logger.Warnw("deadlock detected, retrying transaction",
			"operation", op, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("%s failed after %d deadlock retries: %w", op, txMaxRetries, err)
}
