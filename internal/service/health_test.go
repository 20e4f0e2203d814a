package service

import (
	"context"
	"io"
	"testing"

	"MailSentry/internal/biz"
	"MailSentry/internal/data"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHealthService(t *testing.T) (*HealthService, *data.SchedulerHealthRepo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := log.NewStdLogger(io.Discard)

	repo := data.NewSchedulerHealthRepo(rdb, logger)
	uc := biz.NewSchedulerHealthUsecase(repo, logger)
	return NewHealthService(uc, logger), repo
}

func TestSchedulerHealth_EmptyHistoryIsHealthy(t *testing.T) {
	svc, _ := newHealthService(t)

	reply, err := svc.SchedulerHealth(context.Background())
	require.NoError(t, err)
	assert.True(t, reply.Healthy)
	assert.Len(t, reply.Jobs, 4)
	for _, job := range reply.Jobs {
		assert.True(t, job.Healthy)
	}
}

func TestSchedulerHealth_FailingJobFlagsReport(t *testing.T) {
	svc, repo := newHealthService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.RecordStart(ctx, "bounce_detection"))
		require.NoError(t, repo.RecordFailure(ctx, "bounce_detection", 0, assert.AnError))
	}

	reply, err := svc.SchedulerHealth(ctx)
	require.NoError(t, err)
	assert.False(t, reply.Healthy)

	unhealthy := 0
	for _, job := range reply.Jobs {
		if !job.Healthy {
			unhealthy++
			assert.Equal(t, "bounce_detection", job.Job)
		}
	}
	assert.Equal(t, 1, unhealthy)
}
