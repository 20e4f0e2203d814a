package main

import (
	"context"
	"fmt"

	"MailSentry/internal/biz"
	"MailSentry/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// Fallback schedules when the configuration leaves a spec empty. Six-field
// cron expressions with seconds.
const (
	defaultBounceCron       = "0 */5 * * * *"
	defaultReplyCron        = "0 2/10 * * * *"
	defaultTokenRefreshCron = "0 0 * * * *"
	defaultQuotaSweepCron   = "0 1 0 * * *"
)

// CronServer drives the periodic detection jobs. It implements the Kratos
// transport.Server interface so the scheduler starts and stops with the
// application lifecycle.
type CronServer struct {
	cron   *cron.Cron
	orch   *biz.Orchestrator
	helper *log.Helper
}

// NewCronServer registers every scheduled job against the configured specs.
func NewCronServer(orch *biz.Orchestrator, bc *conf.Bootstrap, logger log.Logger) (*CronServer, error) {
	s := &CronServer{
		cron:   cron.New(cron.WithSeconds()),
		orch:   orch,
		helper: log.NewHelper(logger),
	}

	d := bc.Detection
	jobs := []struct {
		name     string
		spec     string
		fallback string
		run      func(ctx context.Context) error
	}{
		{"bounce_detection", d.BounceCron, defaultBounceCron, orch.RunBounceDetection},
		{"reply_detection", d.ReplyCron, defaultReplyCron, orch.RunReplyDetection},
		{"token_refresh", d.TokenRefreshCron, defaultTokenRefreshCron, orch.RunTokenRefresh},
		{"quota_sweep", d.QuotaSweepCron, defaultQuotaSweepCron, orch.RunQuotaSweep},
	}

	for _, job := range jobs {
		spec := job.spec
		if spec == "" {
			spec = job.fallback
		}
		name, run := job.name, job.run
		_, err := s.cron.AddFunc(spec, func() {
			// Run timeouts are applied inside the orchestrator.
			if err := run(context.Background()); err != nil {
				s.helper.Errorw("scheduled job failed", "job", name, "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("invalid cron spec %q for job %s: %w", spec, name, err)
		}
		s.helper.Infow("scheduled job registered", "job", name, "spec", spec)
	}

	return s, nil
}

// Start launches the scheduler.
func (s *CronServer) Start(_ context.Context) error {
	s.cron.Start()
	s.helper.Info("cron scheduler started")
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *CronServer) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.helper.Warn("cron scheduler stop timed out with jobs still running")
	}
	s.helper.Info("cron scheduler stopped")
	return nil
}
