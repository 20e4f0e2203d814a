package biz

import (
	"context"
	"errors"
	"io"
	"time"

	"MailSentry/internal/conf"
	"MailSentry/internal/data"
	"MailSentry/internal/model"
	"MailSentry/pkg/mailapi"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/mock"
	"google.golang.org/protobuf/types/known/durationpb"
)

// MockAccountRepo is a mock implementation of AccountRepo for testing.
type MockAccountRepo struct {
	mock.Mock
}

func (m *MockAccountRepo) GetByID(ctx context.Context, accountID int64) (*data.MailAccount, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.MailAccount), args.Error(1)
}

func (m *MockAccountRepo) ListEligible(ctx context.Context) ([]*data.MailAccount, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.MailAccount), args.Error(1)
}

func (m *MockAccountRepo) ListExpiringTokens(ctx context.Context, before time.Time) ([]*data.MailAccount, error) {
	args := m.Called(ctx, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.MailAccount), args.Error(1)
}

func (m *MockAccountRepo) UpdateTokens(ctx context.Context, accountID int64, version int32, accessEnc, refreshEnc string, expiresAt time.Time) error {
	args := m.Called(ctx, accountID, version, accessEnc, refreshEnc, expiresAt)
	return args.Error(0)
}

func (m *MockAccountRepo) MarkInvalid(ctx context.Context, accountID int64) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

func (m *MockAccountRepo) UpdateHistoryID(ctx context.Context, accountID int64, historyID uint64) error {
	args := m.Called(ctx, accountID, historyID)
	return args.Error(0)
}

func (m *MockAccountRepo) TouchLastUsed(ctx context.Context, accountID int64) {
	m.Called(ctx, accountID)
}

func (m *MockAccountRepo) IncrRefreshFailure(ctx context.Context, accountID int64) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAccountRepo) ClearRefreshFailure(ctx context.Context, accountID int64) {
	m.Called(ctx, accountID)
}

// MockBillingRepo is a mock implementation of BillingRepo for testing.
type MockBillingRepo struct {
	mock.Mock
}

func (m *MockBillingRepo) GetDailyLimit(ctx context.Context, organizationID int64) (int32, error) {
	args := m.Called(ctx, organizationID)
	return args.Get(0).(int32), args.Error(1)
}

// MockMessageRepo is a mock implementation of MessageRepo for testing.
type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) FindRecentSentToRecipient(ctx context.Context, accountID int64, recipient string, since time.Time) (*data.EmailMessage, error) {
	args := m.Called(ctx, accountID, recipient, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.EmailMessage), args.Error(1)
}

func (m *MockMessageRepo) ListSentWithThreads(ctx context.Context, accountID int64, since time.Time) ([]*data.EmailMessage, error) {
	args := m.Called(ctx, accountID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.EmailMessage), args.Error(1)
}

func (m *MockMessageRepo) GetContact(ctx context.Context, contactID int64) (*data.Contact, error) {
	args := m.Called(ctx, contactID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Contact), args.Error(1)
}

func (m *MockMessageRepo) GetCampaign(ctx context.Context, campaignID int64) (*data.Campaign, error) {
	args := m.Called(ctx, campaignID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Campaign), args.Error(1)
}

func (m *MockMessageRepo) MarkBounced(ctx context.Context, messageID int64, bounceType data.BounceType, reason string, at time.Time) error {
	args := m.Called(ctx, messageID, bounceType, reason, at)
	return args.Error(0)
}

func (m *MockMessageRepo) RecordReply(ctx context.Context, messageID int64, at time.Time) error {
	args := m.Called(ctx, messageID, at)
	return args.Error(0)
}

func (m *MockMessageRepo) UnsubscribeContact(ctx context.Context, contactID int64) error {
	args := m.Called(ctx, contactID)
	return args.Error(0)
}

func (m *MockMessageRepo) CountConsumedToday(ctx context.Context, accountID int64, dayStart time.Time) (int64, error) {
	args := m.Called(ctx, accountID, dayStart)
	return args.Get(0).(int64), args.Error(1)
}

// MockCircuitBreakerRepo is a mock implementation of CircuitBreakerRepo for testing.
type MockCircuitBreakerRepo struct {
	mock.Mock
}

func (m *MockCircuitBreakerRepo) GetState(ctx context.Context, accountID int64) (data.BreakerState, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(data.BreakerState), args.Error(1)
}

func (m *MockCircuitBreakerRepo) SetOpen(ctx context.Context, accountID int64, openTimeout time.Duration) error {
	args := m.Called(ctx, accountID, openTimeout)
	return args.Error(0)
}

func (m *MockCircuitBreakerRepo) SetClosed(ctx context.Context, accountID int64) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

func (m *MockCircuitBreakerRepo) TryAcquireProbe(ctx context.Context, accountID int64) (bool, error) {
	args := m.Called(ctx, accountID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCircuitBreakerRepo) IncrFailure(ctx context.Context, accountID int64) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCircuitBreakerRepo) IncrSuccess(ctx context.Context, accountID int64) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

// MockDetectionCacheRepo is a mock implementation of DetectionCacheRepo for testing.
type MockDetectionCacheRepo struct {
	mock.Mock
}

func (m *MockDetectionCacheRepo) IsProcessed(ctx context.Context, namespace, messageID string) (bool, error) {
	args := m.Called(ctx, namespace, messageID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDetectionCacheRepo) MarkProcessed(ctx context.Context, namespace, messageID string) error {
	args := m.Called(ctx, namespace, messageID)
	return args.Error(0)
}

func (m *MockDetectionCacheRepo) MarkProcessedBatch(ctx context.Context, namespace string, messageIDs []string) error {
	args := m.Called(ctx, namespace, messageIDs)
	return args.Error(0)
}

func (m *MockDetectionCacheRepo) ClaimFinalClassification(ctx context.Context, messageID, classification string) (bool, string, error) {
	args := m.Called(ctx, messageID, classification)
	return args.Bool(0), args.String(1), args.Error(2)
}

// MockQuotaRepo is a mock implementation of QuotaRepo for testing.
type MockQuotaRepo struct {
	mock.Mock
}

func (m *MockQuotaRepo) GetUsage(ctx context.Context, accountID int64) (int32, *time.Time, error) {
	args := m.Called(ctx, accountID)
	var t *time.Time
	if args.Get(1) != nil {
		t = args.Get(1).(*time.Time)
	}
	return args.Get(0).(int32), t, args.Error(2)
}

func (m *MockQuotaRepo) TryIncrement(ctx context.Context, accountID int64, limit int32) (bool, error) {
	args := m.Called(ctx, accountID, limit)
	return args.Bool(0), args.Error(1)
}

func (m *MockQuotaRepo) ResetIfDue(ctx context.Context, accountID int64, now time.Time) (bool, error) {
	args := m.Called(ctx, accountID, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockQuotaRepo) SweepDueResets(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

// MockSchedulerHealthRepo is a mock implementation of SchedulerHealthRepo for testing.
type MockSchedulerHealthRepo struct {
	mock.Mock
}

func (m *MockSchedulerHealthRepo) RecordStart(ctx context.Context, job string) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockSchedulerHealthRepo) RecordSuccess(ctx context.Context, job string, duration time.Duration) error {
	args := m.Called(ctx, job, duration)
	return args.Error(0)
}

func (m *MockSchedulerHealthRepo) RecordFailure(ctx context.Context, job string, duration time.Duration, runErr error) error {
	args := m.Called(ctx, job, duration, runErr)
	return args.Error(0)
}

func (m *MockSchedulerHealthRepo) GetStats(ctx context.Context, job string) (*data.JobStats, error) {
	args := m.Called(ctx, job)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.JobStats), args.Error(1)
}

var errNotFound = errors.New("provider error 404: not found")

// fakeMailClient is a programmable in-memory provider for detector tests.
type fakeMailClient struct {
	messages    map[string]*mailapi.RawMessage
	threads     map[string]*mailapi.Thread
	listRefs    []mailapi.MessageRef
	listErr     error
	history     *mailapi.HistoryPage
	historyErr  error
	currentHist string
	tokenResp   *mailapi.TokenResponse
	tokenErr    error
	refreshGate chan struct{}

	refreshCalls int
	getCalls     int
}

func (f *fakeMailClient) ListMessages(_ context.Context, _ string, _ []string, _ int, _ string) ([]mailapi.MessageRef, error) {
	return f.listRefs, f.listErr
}

func (f *fakeMailClient) GetMessage(_ context.Context, _ string, id string) (*mailapi.RawMessage, error) {
	f.getCalls++
	msg, ok := f.messages[id]
	if !ok {
		return nil, errNotFound
	}
	return msg, nil
}

func (f *fakeMailClient) GetThread(_ context.Context, _ string, id string) (*mailapi.Thread, error) {
	thread, ok := f.threads[id]
	if !ok {
		return nil, errNotFound
	}
	return thread, nil
}

func (f *fakeMailClient) ListHistory(_ context.Context, _ string, _ string, _ string, _ int) (*mailapi.HistoryPage, error) {
	return f.history, f.historyErr
}

func (f *fakeMailClient) GetCurrentHistoryID(_ context.Context, _ string) (string, error) {
	return f.currentHist, nil
}

func (f *fakeMailClient) RefreshAccessToken(_ context.Context, _ string, _ string, _ string) (*mailapi.TokenResponse, error) {
	f.refreshCalls++
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	return f.tokenResp, f.tokenErr
}

// recordingNotifier captures emitted events.
type recordingNotifier struct {
	opened    []*model.CircuitOpenedEvent
	recovered []*model.CircuitRecoveredEvent
	runs      []*model.DetectionRunEvent
}

func (n *recordingNotifier) OnCircuitOpened(_ context.Context, e *model.CircuitOpenedEvent) {
	n.opened = append(n.opened, e)
}

func (n *recordingNotifier) OnCircuitRecovered(_ context.Context, e *model.CircuitRecoveredEvent) {
	n.recovered = append(n.recovered, e)
}

func (n *recordingNotifier) OnRunCompleted(_ context.Context, e *model.DetectionRunEvent) {
	n.runs = append(n.runs, e)
}

// testBootstrap builds a minimal configuration for use case tests.
func testBootstrap() *conf.Bootstrap {
	return &conf.Bootstrap{
		Auth: &conf.Auth{
			Encryption: &conf.Auth_Encryption{Key: "0123456789abcdef0123456789abcdef"},
		},
		Provider: &conf.Provider{
			ClientId:     "client-id",
			ClientSecret: "client-secret",
		},
		Detection: &conf.Detection{
			BatchSize:          10,
			MaxMessagesPerPoll: 50,
			BounceLookbackDays: 7,
			ReplyLookbackDays:  30,
			RunTimeout:         durationpb.New(time.Minute),
		},
	}
}

func bizTestLogger() log.Logger {
	return log.NewStdLogger(io.Discard)
}
