package mailapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL  = "https://gmail.googleapis.com/gmail/v1/users/me"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	defaultTimeout  = 30 * time.Second

	// maxErrorBodyBytes caps how much of a failed response is carried into
	// the error message (the classifier matches on it).
	maxErrorBodyBytes = 2048
)

// Options configures the HTTP client.
type Options struct {
	BaseURL  string
	TokenURL string
	ProxyURL string
	Timeout  time.Duration
}

// HTTPClient is the Gmail-style REST implementation of Client.
type HTTPClient struct {
	baseURL  string
	tokenURL string
	hc       *http.Client
}

// NewHTTPClient creates a provider client. Zero-value options fall back to
// the public provider endpoints and a 30s timeout.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	hc, err := NewProxyHTTPClient(opts.ProxyURL, opts.Timeout)
	if err != nil {
		return nil, err
	}

	return &HTTPClient{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		tokenURL: opts.TokenURL,
		hc:       hc,
	}, nil
}

var _ Client = (*HTTPClient)(nil)

type listMessagesResponse struct {
	Messages []MessageRef `json:"messages"`
}

type rawMessageResponse struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	InternalDate string `json:"internalDate"` // epoch millis as string
	Raw          string `json:"raw"`          // base64url RFC 822
}

type threadResponse struct {
	ID       string               `json:"id"`
	Messages []rawMessageResponse `json:"messages"`
}

type historyResponse struct {
	HistoryID string `json:"historyId"`
	History   []struct {
		MessagesAdded []struct {
			Message MessageRef `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
}

type profileResponse struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

// ListMessages searches messages by label and free-text query.
func (c *HTTPClient) ListMessages(ctx context.Context, accessToken string, labels []string, maxResults int, query string) ([]MessageRef, error) {
	params := url.Values{}
	for _, l := range labels {
		params.Add("labelIds", l)
	}
	if maxResults > 0 {
		params.Set("maxResults", strconv.Itoa(maxResults))
	}
	if query != "" {
		params.Set("q", query)
	}

	var resp listMessagesResponse
	if err := c.getJSON(ctx, accessToken, "/messages?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return resp.Messages, nil
}

// GetMessage fetches one message in raw form.
func (c *HTTPClient) GetMessage(ctx context.Context, accessToken, id string) (*RawMessage, error) {
	var resp rawMessageResponse
	if err := c.getJSON(ctx, accessToken, "/messages/"+url.PathEscape(id)+"?format=raw", &resp); err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return decodeRawMessage(resp)
}

// GetThread fetches a full thread with raw messages.
func (c *HTTPClient) GetThread(ctx context.Context, accessToken, id string) (*Thread, error) {
	var resp threadResponse
	if err := c.getJSON(ctx, accessToken, "/threads/"+url.PathEscape(id)+"?format=raw", &resp); err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}

	thread := &Thread{ID: resp.ID}
	for _, m := range resp.Messages {
		msg, err := decodeRawMessage(m)
		if err != nil {
			return nil, fmt.Errorf("get thread %s: %w", id, err)
		}
		thread.Messages = append(thread.Messages, msg)
	}
	return thread, nil
}

// ListHistory fetches message-added history records after the watermark.
func (c *HTTPClient) ListHistory(ctx context.Context, accessToken, sinceHistoryID, labelID string, maxResults int) (*HistoryPage, error) {
	params := url.Values{}
	params.Set("startHistoryId", sinceHistoryID)
	params.Set("historyTypes", "messageAdded")
	if labelID != "" {
		params.Set("labelId", labelID)
	}
	if maxResults > 0 {
		params.Set("maxResults", strconv.Itoa(maxResults))
	}

	var resp historyResponse
	if err := c.getJSON(ctx, accessToken, "/history?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("list history since %s: %w", sinceHistoryID, err)
	}

	page := &HistoryPage{HistoryID: resp.HistoryID}
	seen := make(map[string]struct{})
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			// History can repeat a message across records.
			if _, dup := seen[added.Message.ID]; dup {
				continue
			}
			seen[added.Message.ID] = struct{}{}
			page.AddedMessages = append(page.AddedMessages, added.Message)
		}
	}
	return page, nil
}

// GetCurrentHistoryID returns the mailbox's current watermark.
func (c *HTTPClient) GetCurrentHistoryID(ctx context.Context, accessToken string) (string, error) {
	var resp profileResponse
	if err := c.getJSON(ctx, accessToken, "/profile", &resp); err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	return resp.HistoryID, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func (c *HTTPClient) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// The body carries the OAuth error code (e.g. invalid_grant), which
		// drives re-authentication classification upstream.
		return nil, fmt.Errorf("token endpoint error %d: %s", resp.StatusCode, truncate(string(body), maxErrorBodyBytes))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned empty access_token")
	}
	return &token, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, accessToken, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider error %d: %s", resp.StatusCode, truncate(string(body), maxErrorBodyBytes))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func decodeRawMessage(resp rawMessageResponse) (*RawMessage, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(resp.Raw, "="))
	if err != nil {
		return nil, fmt.Errorf("decode raw message %s: %w", resp.ID, err)
	}

	msg := &RawMessage{
		ID:       resp.ID,
		ThreadID: resp.ThreadID,
		Raw:      raw,
	}
	if resp.InternalDate != "" {
		millis, err := strconv.ParseInt(resp.InternalDate, 10, 64)
		if err == nil {
			msg.InternalDate = time.UnixMilli(millis).UTC()
		}
	}
	return msg, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
