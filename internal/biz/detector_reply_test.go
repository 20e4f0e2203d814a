package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"MailSentry/internal/data"
	"MailSentry/pkg/crypto"
	"MailSentry/pkg/mailapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// replyTestEnv wires a reply detector against mocks and a fake provider.
type replyTestEnv struct {
	accounts *MockAccountRepo
	messages *MockMessageRepo
	cache    *MockDetectionCacheRepo
	client   *fakeMailClient
	detector *ReplyDetector
	account  *data.MailAccount
	tracked  *data.EmailMessage
}

func newReplyTestEnv(t *testing.T, client *fakeMailClient) *replyTestEnv {
	t.Helper()

	bc := testBootstrap()
	accounts := new(MockAccountRepo)
	messages := new(MockMessageRepo)
	cache := new(MockDetectionCacheRepo)

	tokens, err := NewTokenCoordinator(accounts, client, bc, bizTestLogger())
	require.NoError(t, err)

	aes, err := crypto.NewAESCrypto([]byte(bc.Auth.Encryption.Key))
	require.NoError(t, err)
	accessEnc, err := aes.Encrypt("valid-access-token")
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour)
	account := &data.MailAccount{
		ID:                   1,
		Email:                "sender@ourplatform.com",
		Status:               data.AccountStatusActive,
		AccessTokenEncrypted: accessEnc,
		TokenExpiresAt:       &expires,
		Version:              1,
	}

	sentAt := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)
	tracked := &data.EmailMessage{
		ID:                100,
		CampaignID:        5,
		CampaignStepID:    6,
		ContactID:         7,
		AccountID:         1,
		Recipient:         "carol@example.com",
		ExternalMessageID: "orig-7",
		ExternalThreadID:  "t-2",
		Status:            data.MessageSent,
		SentAt:            &sentAt,
	}

	return &replyTestEnv{
		accounts: accounts,
		messages: messages,
		cache:    cache,
		client:   client,
		detector: NewReplyDetector(accounts, messages, cache, tokens, client, bc, bizTestLogger()),
		account:  account,
		tracked:  tracked,
	}
}

func (env *replyTestEnv) expectThreadListing() {
	env.accounts.On("TouchLastUsed", mock.Anything, int64(1)).Return()
	env.messages.On("ListSentWithThreads", mock.Anything, int64(1), mock.Anything).
		Return([]*data.EmailMessage{env.tracked}, nil)
	env.cache.On("IsProcessed", mock.Anything, data.DetectionNamespaceReply, "t-2").Return(false, nil)
}

func TestReplyDetection_CreditsGenuineReply(t *testing.T) {
	client := &fakeMailClient{
		threads: map[string]*mailapi.Thread{
			"t-2": {ID: "t-2", Messages: []*mailapi.RawMessage{
				{ID: "orig-7", ThreadID: "t-2", Raw: []byte(ordinaryReplyRaw)},
				{ID: "reply-7", ThreadID: "t-2", Raw: []byte(ordinaryReplyRaw)},
			}},
		},
	}
	env := newReplyTestEnv(t, client)

	env.expectThreadListing()
	env.cache.On("IsProcessed", mock.Anything, data.DetectionNamespaceReply, "reply-7").Return(false, nil)
	env.cache.On("ClaimFinalClassification", mock.Anything, "reply-7", "reply").Return(true, "reply", nil)
	env.messages.On("GetCampaign", mock.Anything, int64(5)).
		Return(&data.Campaign{ID: 5, UnsubscribePhrase: ""}, nil)
	env.messages.On("RecordReply", mock.Anything, int64(100), mock.Anything).Return(nil).Once()
	env.cache.On("MarkProcessed", mock.Anything, data.DetectionNamespaceReply, "reply-7").Return(nil)
	env.cache.On("MarkProcessed", mock.Anything, data.DetectionNamespaceReply, "t-2").Return(nil)

	detected, err := env.detector.DetectForAccount(context.Background(), env.account)
	require.NoError(t, err)
	assert.Equal(t, 1, detected)
	env.messages.AssertExpectations(t)
}

func TestReplyDetection_UnsubscribePhraseRoutesToUnsubscribe(t *testing.T) {
	client := &fakeMailClient{
		threads: map[string]*mailapi.Thread{
			"t-2": {ID: "t-2", Messages: []*mailapi.RawMessage{
				{ID: "reply-7", ThreadID: "t-2", Raw: []byte(ordinaryReplyRaw)},
			}},
		},
	}
	env := newReplyTestEnv(t, client)

	env.expectThreadListing()
	env.cache.On("IsProcessed", mock.Anything, data.DetectionNamespaceReply, "reply-7").Return(false, nil)
	env.cache.On("ClaimFinalClassification", mock.Anything, "reply-7", "reply").Return(true, "reply", nil)
	env.messages.On("GetCampaign", mock.Anything, int64(5)).
		Return(&data.Campaign{ID: 5, UnsubscribePhrase: "sounds interesting"}, nil)
	env.messages.On("UnsubscribeContact", mock.Anything, int64(7)).Return(nil).Once()
	env.cache.On("MarkProcessed", mock.Anything, data.DetectionNamespaceReply, "reply-7").Return(nil)
	env.cache.On("MarkProcessed", mock.Anything, data.DetectionNamespaceReply, "t-2").Return(nil)

	detected, err := env.detector.DetectForAccount(context.Background(), env.account)
	require.NoError(t, err)

	// No reply credit is recorded for an unsubscribe.
	assert.Equal(t, 0, detected)
	env.messages.AssertNotCalled(t, "RecordReply", mock.Anything, mock.Anything, mock.Anything)
	env.messages.AssertCalled(t, "UnsubscribeContact", mock.Anything, int64(7))
}

func TestReplyDetection_BounceInThreadRoutedToBounce(t *testing.T) {
	client := &fakeMailClient{
		threads: map[string]*mailapi.Thread{
			"t-2": {ID: "t-2", Messages: []*mailapi.RawMessage{
				{ID: "dsn-9", ThreadID: "t-2", Raw: []byte(dsnHardRaw)},
			}},
		},
	}
	env := newReplyTestEnv(t, client)

	env.expectThreadListing()
	env.cache.On("ClaimFinalClassification", mock.Anything, "dsn-9", "bounce").Return(true, "bounce", nil)
	env.messages.On("MarkBounced", mock.Anything, int64(100), data.BounceHard, mock.Anything, mock.Anything).
		Return(nil).Once()
	env.cache.On("MarkProcessed", mock.Anything, data.DetectionNamespaceBounce, "dsn-9").Return(nil)
	env.cache.On("MarkProcessed", mock.Anything, data.DetectionNamespaceReply, "t-2").Return(nil)

	detected, err := env.detector.DetectForAccount(context.Background(), env.account)
	require.NoError(t, err)
	assert.Equal(t, 0, detected)
	env.messages.AssertNotCalled(t, "RecordReply", mock.Anything, mock.Anything, mock.Anything)
	env.messages.AssertExpectations(t)
}

func TestReplyDetection_AlreadyClassifiedBounceRefusesCredit(t *testing.T) {
	client := &fakeMailClient{
		threads: map[string]*mailapi.Thread{
			"t-2": {ID: "t-2", Messages: []*mailapi.RawMessage{
				{ID: "reply-7", ThreadID: "t-2", Raw: []byte(ordinaryReplyRaw)},
			}},
		},
	}
	env := newReplyTestEnv(t, client)

	env.expectThreadListing()
	env.cache.On("IsProcessed", mock.Anything, data.DetectionNamespaceReply, "reply-7").Return(false, nil)
	env.cache.On("ClaimFinalClassification", mock.Anything, "reply-7", "reply").Return(false, "bounce", nil)

	detected, err := env.detector.DetectForAccount(context.Background(), env.account)
	require.NoError(t, err)
	assert.Equal(t, 0, detected)
	env.messages.AssertNotCalled(t, "RecordReply", mock.Anything, mock.Anything, mock.Anything)
}

func TestReplyDetection_ClaimErrorStillCreditsReply(t *testing.T) {
	client := &fakeMailClient{
		threads: map[string]*mailapi.Thread{
			"t-2": {ID: "t-2", Messages: []*mailapi.RawMessage{
				{ID: "reply-7", ThreadID: "t-2", Raw: []byte(ordinaryReplyRaw)},
			}},
		},
	}
	env := newReplyTestEnv(t, client)

	env.expectThreadListing()
	env.cache.On("IsProcessed", mock.Anything, data.DetectionNamespaceReply, "reply-7").Return(false, nil)
	// A coordination store failure must not suppress the reply credit.
	env.cache.On("ClaimFinalClassification", mock.Anything, "reply-7", "reply").
		Return(false, "", errors.New("redis: i/o timeout"))
	env.messages.On("GetCampaign", mock.Anything, int64(5)).
		Return(&data.Campaign{ID: 5, UnsubscribePhrase: ""}, nil)
	env.messages.On("RecordReply", mock.Anything, int64(100), mock.Anything).Return(nil).Once()
	env.cache.On("MarkProcessed", mock.Anything, data.DetectionNamespaceReply, "reply-7").Return(nil)
	env.cache.On("MarkProcessed", mock.Anything, data.DetectionNamespaceReply, "t-2").Return(nil)

	detected, err := env.detector.DetectForAccount(context.Background(), env.account)
	require.NoError(t, err)
	assert.Equal(t, 1, detected)
	env.messages.AssertExpectations(t)
}

func TestReplyDetection_NonReplyHeadersIgnored(t *testing.T) {
	// The sender matches but there are no reply headers.
	plain := "From: Carol Jones <carol@example.com>\r\n" +
		"To: sender@ourplatform.com\r\n" +
		"Subject: Unrelated\r\n" +
		"Message-ID: <plain-1@example.com>\r\n" +
		"Date: Tue, 11 Aug 2026 09:30:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello there.\r\n"

	client := &fakeMailClient{
		threads: map[string]*mailapi.Thread{
			"t-2": {ID: "t-2", Messages: []*mailapi.RawMessage{
				{ID: "plain-1", ThreadID: "t-2", Raw: []byte(plain)},
			}},
		},
	}
	env := newReplyTestEnv(t, client)
	env.expectThreadListing()

	detected, err := env.detector.DetectForAccount(context.Background(), env.account)
	require.NoError(t, err)
	assert.Equal(t, 0, detected)

	// Quiet thread stays unmarked so a later reply is still caught.
	env.cache.AssertNotCalled(t, "MarkProcessed", mock.Anything, data.DetectionNamespaceReply, "t-2")
}

func TestReplyDetection_ProcessedThreadSkipped(t *testing.T) {
	client := &fakeMailClient{threads: map[string]*mailapi.Thread{}}
	env := newReplyTestEnv(t, client)

	env.accounts.On("TouchLastUsed", mock.Anything, int64(1)).Return()
	env.messages.On("ListSentWithThreads", mock.Anything, int64(1), mock.Anything).
		Return([]*data.EmailMessage{env.tracked}, nil)
	env.cache.On("IsProcessed", mock.Anything, data.DetectionNamespaceReply, "t-2").Return(true, nil)

	detected, err := env.detector.DetectForAccount(context.Background(), env.account)
	require.NoError(t, err)
	assert.Equal(t, 0, detected)
}
