package data

import (
	"context"

	"MailSentry/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// LogNotifier is the default progress notifier. It records circuit and run
// events in the structured log; a real deployment can swap in a webhook or
// chat notifier behind the same interface.
type LogNotifier struct {
	logger *log.Helper
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger log.Logger) *LogNotifier {
	return &LogNotifier{
		logger: log.NewHelper(logger),
	}
}

// OnCircuitOpened logs a circuit trip.
func (n *LogNotifier) OnCircuitOpened(_ context.Context, event *model.CircuitOpenedEvent) {
	n.logger.Warnw("notify: circuit opened",
		"account_id", event.AccountID,
		"failures", event.FailureCount,
		"reason", event.Reason)
}

// OnCircuitRecovered logs a circuit recovery.
func (n *LogNotifier) OnCircuitRecovered(_ context.Context, event *model.CircuitRecoveredEvent) {
	n.logger.Infow("notify: circuit recovered",
		"account_id", event.AccountID,
		"probe_successes", event.SuccessCount)
}

// OnRunCompleted logs a finished detection run.
func (n *LogNotifier) OnRunCompleted(_ context.Context, event *model.DetectionRunEvent) {
	n.logger.Infow("notify: run completed",
		"run_id", event.RunID,
		"job", event.Job,
		"duration", event.Duration,
		"accounts", event.AccountsTotal,
		"skipped", event.AccountsSkipped,
		"failed", event.AccountsFailed,
		"events", event.EventsDetected)
}
