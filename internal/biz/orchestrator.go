package biz

import (
	"context"
	"sync"
	"time"

	"MailSentry/internal/conf"
	"MailSentry/internal/data"
	"MailSentry/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Proactive refresh targets tokens expiring within this window.
const tokenRefreshHorizon = time.Hour

// Orchestrator drives the periodic detection passes. Eligible accounts are
// split into fixed-size batches; accounts within a batch run in parallel,
// batches run sequentially to bound concurrent provider calls. Per-account
// failures are caught at the task boundary so one broken mailbox never
// aborts a run.
type Orchestrator struct {
	accounts AccountRepo
	breaker  *CircuitBreakerUsecase
	bounce   *BounceDetector
	reply    *ReplyDetector
	tokens   *TokenCoordinator
	quota    *QuotaUsecase
	health   *SchedulerHealthUsecase
	notifier Notifier
	conf     *conf.Detection
	logger   *log.Helper
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(
	accounts AccountRepo,
	breaker *CircuitBreakerUsecase,
	bounce *BounceDetector,
	reply *ReplyDetector,
	tokens *TokenCoordinator,
	quota *QuotaUsecase,
	health *SchedulerHealthUsecase,
	notifier Notifier,
	bc *conf.Bootstrap,
	logger log.Logger,
) *Orchestrator {
	return &Orchestrator{
		accounts: accounts,
		breaker:  breaker,
		bounce:   bounce,
		reply:    reply,
		tokens:   tokens,
		quota:    quota,
		health:   health,
		notifier: notifier,
		conf:     bc.Detection,
		logger:   log.NewHelper(logger),
	}
}

// RunBounceDetection runs one bounce detection pass over all eligible
// accounts.
func (o *Orchestrator) RunBounceDetection(ctx context.Context) error {
	return o.health.WrapRun(ctx, model.JobBounceDetection, func(ctx context.Context) error {
		return o.runDetection(ctx, model.JobBounceDetection, o.bounce.DetectForAccount)
	})
}

// RunReplyDetection runs one reply detection pass over all eligible
// accounts.
func (o *Orchestrator) RunReplyDetection(ctx context.Context) error {
	return o.health.WrapRun(ctx, model.JobReplyDetection, func(ctx context.Context) error {
		return o.runDetection(ctx, model.JobReplyDetection, o.reply.DetectForAccount)
	})
}

// RunTokenRefresh proactively refreshes tokens that expire soon, so
// detection passes rarely pay the refresh latency inline.
func (o *Orchestrator) RunTokenRefresh(ctx context.Context) error {
	return o.health.WrapRun(ctx, model.JobTokenRefresh, func(ctx context.Context) error {
		ctx, cancel := o.runContext(ctx)
		defer cancel()

		accounts, err := o.accounts.ListExpiringTokens(ctx, time.Now().Add(tokenRefreshHorizon))
		if err != nil {
			return err
		}

		refreshed, failed := 0, 0
		for _, account := range accounts {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := o.tokens.Refresh(ctx, account); err != nil {
				failed++
				o.logger.Warnw("proactive token refresh failed",
					"account_id", account.ID, "error", err)
				continue
			}
			refreshed++
		}

		o.logger.Infow("token refresh sweep finished",
			"eligible", len(accounts), "refreshed", refreshed, "failed", failed)
		return nil
	})
}

// RunQuotaSweep resets every quota counter whose day has rolled over.
func (o *Orchestrator) RunQuotaSweep(ctx context.Context) error {
	return o.health.WrapRun(ctx, model.JobQuotaSweep, func(ctx context.Context) error {
		ctx, cancel := o.runContext(ctx)
		defer cancel()

		_, err := o.quota.SweepDueResets(ctx)
		return err
	})
}

// detectFunc is one detector's per-account entry point.
type detectFunc func(ctx context.Context, account *data.MailAccount) (int, error)

// runStats aggregates the outcome of one pass across batch goroutines.
type runStats struct {
	mu       sync.Mutex
	skipped  int
	failed   int
	detected int
}

func (o *Orchestrator) runDetection(ctx context.Context, job string, detect detectFunc) error {
	ctx, cancel := o.runContext(ctx)
	defer cancel()

	runID := uuid.NewString()
	start := time.Now()

	accounts, err := o.accounts.ListEligible(ctx)
	if err != nil {
		return err
	}

	o.logger.Infow("detection run started",
		"run_id", runID, "job", job, "accounts", len(accounts))

	stats := &runStats{}
	batchSize := o.conf.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	for offset := 0; offset < len(accounts); offset += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := offset + batchSize
		if end > len(accounts) {
			end = len(accounts)
		}
		o.runBatch(ctx, job, accounts[offset:end], detect, stats)
	}

	duration := time.Since(start)
	o.logger.Infow("detection run finished",
		"run_id", runID,
		"job", job,
		"duration", duration,
		"accounts", len(accounts),
		"skipped", stats.skipped,
		"failed", stats.failed,
		"events", stats.detected)

	if o.notifier != nil {
		o.notifier.OnRunCompleted(ctx, &model.DetectionRunEvent{
			RunID:           runID,
			Job:             job,
			StartedAt:       start,
			Duration:        duration,
			AccountsTotal:   len(accounts),
			AccountsSkipped: stats.skipped,
			AccountsFailed:  stats.failed,
			EventsDetected:  stats.detected,
			Err:             ctx.Err(),
		})
	}

	return ctx.Err()
}

// runBatch processes one batch with a goroutine per account and waits for
// all of them.
func (o *Orchestrator) runBatch(ctx context.Context, job string, batch []*data.MailAccount, detect detectFunc, stats *runStats) {
	var wg sync.WaitGroup
	for _, account := range batch {
		if !o.breaker.Allow(ctx, account.ID) {
			stats.mu.Lock()
			stats.skipped++
			stats.mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(account *data.MailAccount) {
			defer wg.Done()
			o.runAccountTask(ctx, job, account, detect, stats)
		}(account)
	}
	wg.Wait()
}

// runAccountTask is the per-account task boundary: every failure is caught
// here, classified, and recorded on the breaker.
func (o *Orchestrator) runAccountTask(ctx context.Context, job string, account *data.MailAccount, detect detectFunc, stats *runStats) {
	n, err := detect(ctx, account)

	stats.mu.Lock()
	stats.detected += n
	if err != nil {
		stats.failed++
	}
	stats.mu.Unlock()

	if err != nil {
		o.logger.Warnw("account detection failed",
			"job", job, "account_id", account.ID, "error", err)
		if IsReauthRequired(err) {
			// The coordinator already invalidated the account; nothing to
			// record on the breaker for a dead credential.
			return
		}
		o.breaker.RecordFailure(ctx, account.ID, err)
		return
	}

	o.breaker.RecordSuccess(ctx, account.ID)
}

// runContext bounds one run with the configured timeout.
func (o *Orchestrator) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.conf != nil && o.conf.RunTimeout != nil {
		if d := o.conf.RunTimeout.AsDuration(); d > 0 {
			return context.WithTimeout(ctx, d)
		}
	}
	return context.WithCancel(ctx)
}
