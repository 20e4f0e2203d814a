package service

import (
	"context"
	"time"

	"MailSentry/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// HealthService reports scheduler job health over HTTP. Monitoring polls it
// to catch silently dead detection schedules.
type HealthService struct {
	uc     *biz.SchedulerHealthUsecase
	logger *log.Helper
}

// NewHealthService creates a new HealthService instance.
func NewHealthService(uc *biz.SchedulerHealthUsecase, logger log.Logger) *HealthService {
	return &HealthService{
		uc:     uc,
		logger: log.NewHelper(logger),
	}
}

// SchedulerHealthReply is the response body of the scheduler health report.
type SchedulerHealthReply struct {
	Healthy     bool             `json:"healthy"`
	GeneratedAt time.Time        `json:"generated_at"`
	Jobs        []*biz.JobHealth `json:"jobs"`
}

// SchedulerHealth evaluates every scheduled job. The report is healthy only
// when all jobs are.
func (s *HealthService) SchedulerHealth(ctx context.Context) (*SchedulerHealthReply, error) {
	jobs, err := s.uc.Report(ctx)
	if err != nil {
		s.logger.Errorw("scheduler health report failed", "error", err)
		return nil, err
	}

	reply := &SchedulerHealthReply{
		Healthy:     true,
		GeneratedAt: time.Now().UTC(),
		Jobs:        jobs,
	}
	for _, job := range jobs {
		if !job.Healthy {
			reply.Healthy = false
		}
	}
	return reply, nil
}
