package model

import "time"

// Detection job name constants
const (
	JobBounceDetection = "bounce_detection"
	JobReplyDetection  = "reply_detection"
	JobTokenRefresh    = "token_refresh"
	JobQuotaSweep      = "quota_sweep"
)

// CircuitOpenedEvent represents a circuit breaker tripping for an account
type CircuitOpenedEvent struct {
	AccountID    int64
	Email        string
	FailureCount int64
	OpenedAt     time.Time
	Reason       string
}

// CircuitRecoveredEvent represents a circuit breaker closing again
type CircuitRecoveredEvent struct {
	AccountID    int64
	Email        string
	SuccessCount int64
	RecoveredAt  time.Time
}

// DetectionRunEvent summarizes one completed orchestrator pass
type DetectionRunEvent struct {
	RunID           string
	Job             string
	StartedAt       time.Time
	Duration        time.Duration
	AccountsTotal   int
	AccountsSkipped int
	AccountsFailed  int
	EventsDetected  int
	Err             error
}
