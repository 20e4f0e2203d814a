package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"MailSentry/internal/conf"
	"MailSentry/internal/data"
	"MailSentry/pkg/mailapi"
	"MailSentry/pkg/retry"

	"github.com/go-kratos/kratos/v2/log"
)

// ReplyDetector polls tracked conversation threads for genuine replies and
// credits them exactly once. Delivery-failure notices that surface inside
// threads with reply-shaped headers are routed to bounce handling instead,
// because a bounce always outranks a reply for the same message.
type ReplyDetector struct {
	accounts AccountRepo
	messages MessageRepo
	cache    DetectionCacheRepo
	tokens   *TokenCoordinator
	client   mailapi.Client
	conf     *conf.Detection
	logger   *log.Helper
}

// NewReplyDetector creates the reply detector.
func NewReplyDetector(
	accounts AccountRepo,
	messages MessageRepo,
	cache DetectionCacheRepo,
	tokens *TokenCoordinator,
	client mailapi.Client,
	bc *conf.Bootstrap,
	logger log.Logger,
) *ReplyDetector {
	return &ReplyDetector{
		accounts: accounts,
		messages: messages,
		cache:    cache,
		tokens:   tokens,
		client:   client,
		conf:     bc.Detection,
		logger:   log.NewHelper(logger),
	}
}

// DetectForAccount runs one reply detection pass for the account and
// returns the number of newly credited replies.
func (d *ReplyDetector) DetectForAccount(ctx context.Context, account *data.MailAccount) (int, error) {
	token, err := d.tokens.EnsureValidToken(ctx, account)
	if err != nil {
		return 0, err
	}

	since := time.Now().AddDate(0, 0, -d.conf.ReplyLookbackDays)
	tracked, err := d.messages.ListSentWithThreads(ctx, account.ID, since)
	if err != nil {
		return 0, err
	}
	d.accounts.TouchLastUsed(ctx, account.ID)

	// One tracked message per thread; the list is newest-first so the most
	// recent send wins.
	byThread := make(map[string]*data.EmailMessage, len(tracked))
	for _, msg := range tracked {
		if _, ok := byThread[msg.ExternalThreadID]; !ok {
			byThread[msg.ExternalThreadID] = msg
		}
	}

	detected := 0
	for threadID, msg := range byThread {
		processed, err := d.cache.IsProcessed(ctx, data.DetectionNamespaceReply, threadID)
		if err != nil && !errors.Is(err, data.ErrCoordinationUnavailable) {
			d.logger.Warnf("thread dedup check failed for %s: %v (reprocessing)", threadID, err)
		}
		if processed {
			continue
		}

		n, err := d.processThread(ctx, account, &token, threadID, msg)
		if err != nil {
			return detected, err
		}
		detected += n
	}

	return detected, nil
}

// processThread inspects every message of a thread. The thread is marked
// processed only once a terminal event (reply, bounce, unsubscribe) was
// recorded for it; quiet threads stay eligible so a late reply is still
// caught by a later run.
func (d *ReplyDetector) processThread(ctx context.Context, account *data.MailAccount, token *string, threadID string, tracked *data.EmailMessage) (int, error) {
	var thread *mailapi.Thread
	err := retry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		thread, ferr = d.client.GetThread(ctx, *token, threadID)
		return ferr
	}, d.tokens.RetryConfigFor(ctx, account, token))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch thread %s: %w", threadID, err)
	}

	credited := 0
	terminal := false
	for _, raw := range thread.Messages {
		if raw.ID == tracked.ExternalMessageID {
			continue
		}

		parsed, err := mailapi.Parse(raw)
		if err != nil {
			d.logger.Warnf("unparseable thread message %s: %v", raw.ID, err)
			continue
		}

		// Bounce heuristics run first: providers thread delivery-failure
		// notices with reply-shaped headers.
		if IsBounceMessage(parsed) {
			routed, err := d.routeBounce(ctx, account, tracked, parsed)
			if err != nil {
				return credited, err
			}
			if routed {
				terminal = true
			}
			continue
		}

		ok, unsub, err := d.creditReply(ctx, tracked, parsed)
		if err != nil {
			return credited, err
		}
		if ok {
			credited++
			terminal = true
		}
		if unsub {
			terminal = true
		}
	}

	if terminal {
		if err := d.cache.MarkProcessed(ctx, data.DetectionNamespaceReply, threadID); err != nil &&
			!errors.Is(err, data.ErrCoordinationUnavailable) {
			d.logger.Warnf("failed to mark thread %s processed: %v", threadID, err)
		}
	}
	return credited, nil
}

// routeBounce applies a bounce discovered inside a thread to the tracked
// message of that thread.
func (d *ReplyDetector) routeBounce(ctx context.Context, account *data.MailAccount, tracked *data.EmailMessage, parsed *mailapi.ParsedMessage) (bool, error) {
	won, final, err := d.cache.ClaimFinalClassification(ctx, parsed.ID, finalClassBounce)
	if err != nil {
		if !errors.Is(err, data.ErrCoordinationUnavailable) {
			d.logger.Warnf("final classification claim failed for %s: %v (proceeding)", parsed.ID, err)
		}
		won = true
	}
	if !won && final != finalClassBounce {
		return false, nil
	}

	severity := ClassifyBounceSeverity(parsed)
	reason := parsed.Subject
	if reason == "" {
		reason = "delivery failure"
	}
	bouncedAt := parsed.InternalDate
	if bouncedAt.IsZero() {
		bouncedAt = time.Now()
	}

	err = d.messages.MarkBounced(ctx, tracked.ID, severity, reason, bouncedAt)
	if err != nil {
		if errors.Is(err, data.ErrAlreadyBounced) {
			return true, nil
		}
		return false, fmt.Errorf("failed to apply threaded bounce to message %d: %w", tracked.ID, err)
	}

	d.logger.Infow("bounce applied from thread",
		"account_id", account.ID,
		"message_id", tracked.ID,
		"severity", severity)

	if err := d.cache.MarkProcessed(ctx, data.DetectionNamespaceBounce, parsed.ID); err != nil &&
		!errors.Is(err, data.ErrCoordinationUnavailable) {
		d.logger.Warnf("failed to mark bounce %s processed: %v", parsed.ID, err)
	}
	return true, nil
}

// creditReply validates a candidate reply and records it. Returns whether a
// reply was credited and whether the contact was unsubscribed instead.
func (d *ReplyDetector) creditReply(ctx context.Context, tracked *data.EmailMessage, parsed *mailapi.ParsedMessage) (bool, bool, error) {
	if !d.isGenuineReply(tracked, parsed) {
		return false, false, nil
	}

	processed, err := d.cache.IsProcessed(ctx, data.DetectionNamespaceReply, parsed.ID)
	if err != nil && !errors.Is(err, data.ErrCoordinationUnavailable) {
		d.logger.Warnf("reply dedup check failed for %s: %v (reprocessing)", parsed.ID, err)
	}
	if processed {
		return false, false, nil
	}

	won, final, err := d.cache.ClaimFinalClassification(ctx, parsed.ID, finalClassReply)
	if err != nil {
		if !errors.Is(err, data.ErrCoordinationUnavailable) {
			d.logger.Warnf("final classification claim failed for %s: %v (proceeding)", parsed.ID, err)
		}
		won = true
	}
	if !won && final != finalClassReply {
		d.logger.Warnw("message already finally classified, refusing reply credit",
			"message_id", parsed.ID, "classification", final)
		return false, false, nil
	}

	// A configured unsubscribe phrase in the reply body routes to the
	// unsubscribe handler instead of a reply credit.
	campaign, err := d.messages.GetCampaign(ctx, tracked.CampaignID)
	if err != nil {
		return false, false, err
	}
	if campaign.UnsubscribePhrase != "" &&
		strings.Contains(strings.ToLower(parsed.Body), strings.ToLower(campaign.UnsubscribePhrase)) {
		if err := d.messages.UnsubscribeContact(ctx, tracked.ContactID); err != nil {
			return false, false, err
		}
		d.logger.Infow("contact unsubscribed by reply",
			"contact_id", tracked.ContactID, "campaign_id", campaign.ID)
		d.markReplyProcessed(ctx, parsed.ID)
		return false, true, nil
	}

	repliedAt := parsed.Date
	if repliedAt.IsZero() {
		repliedAt = parsed.InternalDate
	}
	if repliedAt.IsZero() {
		repliedAt = time.Now()
	}

	err = d.messages.RecordReply(ctx, tracked.ID, repliedAt)
	if err != nil {
		if errors.Is(err, data.ErrAlreadyBounced) {
			// The tracked message bounced in the meantime. Bounce wins.
			d.markReplyProcessed(ctx, parsed.ID)
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to record reply on message %d: %w", tracked.ID, err)
	}

	d.logger.Infow("reply credited",
		"message_id", tracked.ID,
		"contact_id", tracked.ContactID,
		"external_id", parsed.ID)

	d.markReplyProcessed(ctx, parsed.ID)
	return true, false, nil
}

// isGenuineReply applies the reply criteria: reply headers present, dated
// after the tracked send, and sent by the original recipient.
func (d *ReplyDetector) isGenuineReply(tracked *data.EmailMessage, parsed *mailapi.ParsedMessage) bool {
	if parsed.InReplyTo == "" && parsed.References == "" {
		return false
	}

	sentAt := tracked.SentAt
	if sentAt == nil {
		return false
	}
	when := parsed.Date
	if when.IsZero() {
		when = parsed.InternalDate
	}
	if when.IsZero() || !when.After(*sentAt) {
		return false
	}

	return strings.EqualFold(parsed.From, tracked.Recipient)
}

func (d *ReplyDetector) markReplyProcessed(ctx context.Context, externalID string) {
	if err := d.cache.MarkProcessed(ctx, data.DetectionNamespaceReply, externalID); err != nil &&
		!errors.Is(err, data.ErrCoordinationUnavailable) {
		d.logger.Warnf("failed to mark reply %s processed: %v", externalID, err)
	}
}
