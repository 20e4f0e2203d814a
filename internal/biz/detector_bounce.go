package biz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"MailSentry/internal/conf"
	"MailSentry/internal/data"
	"MailSentry/pkg/mailapi"
	"MailSentry/pkg/retry"

	"github.com/go-kratos/kratos/v2/log"
)

// bounceSearchQuery is the fallback candidate search when no incremental
// watermark exists. Mirrors the classic DSN sender/subject vocabulary.
const bounceSearchQuery = `from:(mailer-daemon OR postmaster) OR subject:("delivery status notification" OR "undeliverable" OR "mail delivery failed" OR "failure notice")`

// Labels searched in fallback mode. Providers file some DSNs as spam.
var bounceSearchLabels = []string{"INBOX", "SPAM"}

// Final classification values written to the shared marker.
const (
	finalClassBounce = "bounce"
	finalClassReply  = "reply"
)

// BounceDetector polls one account's mailbox for delivery-failure
// notifications and applies them to the owning messages exactly once.
type BounceDetector struct {
	accounts AccountRepo
	messages MessageRepo
	cache    DetectionCacheRepo
	tokens   *TokenCoordinator
	client   mailapi.Client
	conf     *conf.Detection
	logger   *log.Helper
}

// NewBounceDetector creates the bounce detector.
func NewBounceDetector(
	accounts AccountRepo,
	messages MessageRepo,
	cache DetectionCacheRepo,
	tokens *TokenCoordinator,
	client mailapi.Client,
	bc *conf.Bootstrap,
	logger log.Logger,
) *BounceDetector {
	return &BounceDetector{
		accounts: accounts,
		messages: messages,
		cache:    cache,
		tokens:   tokens,
		client:   client,
		conf:     bc.Detection,
		logger:   log.NewHelper(logger),
	}
}

// DetectForAccount runs one bounce detection pass for the account and
// returns the number of newly applied bounces.
func (d *BounceDetector) DetectForAccount(ctx context.Context, account *data.MailAccount) (int, error) {
	token, err := d.tokens.EnsureValidToken(ctx, account)
	if err != nil {
		return 0, err
	}

	candidates, newWatermark, err := d.fetchCandidates(ctx, account, &token)
	if err != nil {
		return 0, err
	}
	d.accounts.TouchLastUsed(ctx, account.ID)

	detected := 0
	var benign []string
	for _, ref := range candidates {
		processed, err := d.cache.IsProcessed(ctx, data.DetectionNamespaceBounce, ref.ID)
		if err != nil && !errors.Is(err, data.ErrCoordinationUnavailable) {
			d.logger.Warnf("dedup check failed for message %s: %v (reprocessing)", ref.ID, err)
		}
		if processed {
			continue
		}

		applied, isBounce, err := d.processCandidate(ctx, account, &token, ref)
		if err != nil {
			return detected, err
		}
		if applied {
			detected++
		} else if !isBounce {
			benign = append(benign, ref.ID)
		}
	}

	// Non-bounce candidates are marked in one round trip so the next run
	// does not refetch them.
	if len(benign) > 0 {
		if err := d.cache.MarkProcessedBatch(ctx, data.DetectionNamespaceBounce, benign); err != nil &&
			!errors.Is(err, data.ErrCoordinationUnavailable) {
			d.logger.Warnf("failed to mark benign candidates for account %d: %v", account.ID, err)
		}
	}

	if newWatermark > 0 {
		if err := d.accounts.UpdateHistoryID(ctx, account.ID, newWatermark); err != nil {
			d.logger.Warnf("failed to persist history watermark for account %d: %v", account.ID, err)
		}
	}

	return detected, nil
}

// fetchCandidates prefers an incremental history fetch from the stored
// watermark and falls back to a bounded keyword search across inbox and
// spam. The returned watermark is persisted only after processing. A token
// refreshed mid-retry is written back through the pointer for later calls.
func (d *BounceDetector) fetchCandidates(ctx context.Context, account *data.MailAccount, token *string) ([]mailapi.MessageRef, uint64, error) {
	maxResults := d.conf.MaxMessagesPerPoll
	cfg := d.tokens.RetryConfigFor(ctx, account, token)

	if account.LastHistoryID > 0 {
		var page *mailapi.HistoryPage
		err := retry.Do(ctx, func(ctx context.Context) error {
			var ferr error
			page, ferr = d.client.ListHistory(ctx, *token, strconv.FormatUint(account.LastHistoryID, 10), "", maxResults)
			return ferr
		}, cfg)
		if err == nil {
			watermark, _ := strconv.ParseUint(page.HistoryID, 10, 64)
			return page.AddedMessages, watermark, nil
		}
		d.logger.Warnf("incremental fetch failed for account %d, falling back to search: %v", account.ID, err)
	}

	var refs []mailapi.MessageRef
	err := retry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		refs, ferr = d.client.ListMessages(ctx, *token, bounceSearchLabels, maxResults, bounceSearchQuery)
		return ferr
	}, cfg)
	if err != nil {
		return nil, 0, fmt.Errorf("bounce candidate search failed: %w", err)
	}

	// Seed the watermark so the next run can go incremental.
	watermark := uint64(0)
	if current, err := d.client.GetCurrentHistoryID(ctx, *token); err == nil {
		watermark, _ = strconv.ParseUint(current, 10, 64)
	}

	return refs, watermark, nil
}

// processCandidate fetches and classifies one candidate. Returns whether a
// bounce was applied and whether the candidate was a bounce at all.
func (d *BounceDetector) processCandidate(ctx context.Context, account *data.MailAccount, token *string, ref mailapi.MessageRef) (applied bool, isBounce bool, err error) {
	var raw *mailapi.RawMessage
	err = retry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		raw, ferr = d.client.GetMessage(ctx, *token, ref.ID)
		return ferr
	}, d.tokens.RetryConfigFor(ctx, account, token))
	if err != nil {
		return false, false, fmt.Errorf("failed to fetch candidate %s: %w", ref.ID, err)
	}

	parsed, err := mailapi.Parse(raw)
	if err != nil {
		d.logger.Warnf("unparseable candidate %s for account %d: %v", ref.ID, account.ID, err)
		return false, false, nil
	}

	if !IsBounceMessage(parsed) {
		return false, false, nil
	}

	recipient := ParseFailedRecipient(parsed)
	if recipient == "" {
		d.logger.Warnw("bounce without parseable recipient",
			"account_id", account.ID, "message_id", ref.ID, "subject", parsed.Subject)
		d.markProcessed(ctx, ref.ID)
		return false, true, nil
	}

	severity := ClassifyBounceSeverity(parsed)
	since := time.Now().AddDate(0, 0, -d.conf.BounceLookbackDays)
	msg, err := d.messages.FindRecentSentToRecipient(ctx, account.ID, recipient, since)
	if err != nil {
		if errors.Is(err, data.ErrMessageNotFound) {
			d.logger.Debugw("no tracked send matches bounce",
				"account_id", account.ID, "recipient", recipient)
			d.markProcessed(ctx, ref.ID)
			return false, true, nil
		}
		return false, true, err
	}

	won, final, err := d.cache.ClaimFinalClassification(ctx, ref.ID, finalClassBounce)
	if err != nil {
		if !errors.Is(err, data.ErrCoordinationUnavailable) {
			d.logger.Warnf("final classification claim failed for %s: %v (proceeding)", ref.ID, err)
		}
		won = true
	}
	if !won && final != finalClassBounce {
		d.logger.Warnw("message already finally classified, skipping bounce",
			"message_id", ref.ID, "classification", final)
		d.markProcessed(ctx, ref.ID)
		return false, true, nil
	}

	reason := parsed.Subject
	if reason == "" {
		reason = "delivery failure"
	}
	bouncedAt := parsed.InternalDate
	if bouncedAt.IsZero() {
		bouncedAt = time.Now()
	}

	err = d.messages.MarkBounced(ctx, msg.ID, severity, reason, bouncedAt)
	if err != nil {
		if errors.Is(err, data.ErrAlreadyBounced) {
			d.markProcessed(ctx, ref.ID)
			return false, true, nil
		}
		return false, true, fmt.Errorf("failed to apply bounce to message %d: %w", msg.ID, err)
	}

	d.logger.Infow("bounce applied",
		"account_id", account.ID,
		"message_id", msg.ID,
		"recipient", recipient,
		"severity", severity)

	// Marked only after the update committed; a crash in between means
	// reprocessing, which the idempotent update absorbs.
	d.markProcessed(ctx, ref.ID)
	return true, true, nil
}

func (d *BounceDetector) markProcessed(ctx context.Context, externalID string) {
	if err := d.cache.MarkProcessed(ctx, data.DetectionNamespaceBounce, externalID); err != nil &&
		!errors.Is(err, data.ErrCoordinationUnavailable) {
		d.logger.Warnf("failed to mark message %s processed: %v", externalID, err)
	}
}
