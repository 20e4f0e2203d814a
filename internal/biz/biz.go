// Package biz contains business logic layer implementations.
// This layer holds the detection engine's core rules and domain models.
package biz

import (
	"MailSentry/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewMailClient,
	NewCircuitBreakerUsecase,
	NewTokenCoordinator,
	NewQuotaUsecase,
	NewBounceDetector,
	NewReplyDetector,
	NewSchedulerHealthUsecase,
	NewOrchestrator,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(AccountRepo), new(*data.AccountRepo)),
	wire.Bind(new(BillingRepo), new(*data.BillingRepo)),
	wire.Bind(new(MessageRepo), new(*data.MessageRepo)),
	wire.Bind(new(CircuitBreakerRepo), new(*data.CircuitBreakerRepo)),
	wire.Bind(new(DetectionCacheRepo), new(*data.DetectionCacheRepo)),
	wire.Bind(new(QuotaRepo), new(*data.QuotaRepo)),
	wire.Bind(new(SchedulerHealthRepo), new(*data.SchedulerHealthRepo)),
	wire.Bind(new(Notifier), new(*data.LogNotifier)),
)
