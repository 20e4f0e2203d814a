// Package mailapi provides the client for the third-party mail provider.
// The engine consumes only the abstract operations defined by Client; the
// HTTP implementation speaks a Gmail-style REST surface.
package mailapi

import (
	"context"
	"time"
)

// MessageRef identifies a message within the provider.
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// RawMessage is a full message fetched from the provider in raw RFC 822
// form. InternalDate is the provider's receive timestamp.
type RawMessage struct {
	ID           string
	ThreadID     string
	InternalDate time.Time
	Raw          []byte
}

// Thread is a full conversation thread.
type Thread struct {
	ID       string
	Messages []*RawMessage
}

// HistoryPage is the result of an incremental "what changed since X" fetch.
type HistoryPage struct {
	// HistoryID is the new watermark to persist after processing.
	HistoryID string
	// AddedMessages lists messages added to the mailbox since the given
	// watermark, oldest first.
	AddedMessages []MessageRef
}

// TokenResponse is the provider's answer to a refresh-token exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// Client is the abstract mail-provider surface consumed by the detection
// engine. All calls may fail with provider errors classified by
// pkg/emailerr.
type Client interface {
	// ListMessages searches messages by label and free-text query.
	ListMessages(ctx context.Context, accessToken string, labels []string, maxResults int, query string) ([]MessageRef, error)
	// GetMessage fetches one message in raw form.
	GetMessage(ctx context.Context, accessToken, id string) (*RawMessage, error)
	// GetThread fetches a full thread with raw messages.
	GetThread(ctx context.Context, accessToken, id string) (*Thread, error)
	// ListHistory fetches message-added history records after the given
	// watermark. labelID may be empty for "any label".
	ListHistory(ctx context.Context, accessToken, sinceHistoryID, labelID string, maxResults int) (*HistoryPage, error)
	// GetCurrentHistoryID returns the mailbox's current watermark.
	GetCurrentHistoryID(ctx context.Context, accessToken string) (string, error)
	// RefreshAccessToken exchanges a refresh token for a new access token.
	RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret string) (*TokenResponse, error)
}
