package mailapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(Options{
		BaseURL:  srv.URL,
		TokenURL: srv.URL + "/token",
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return c, srv
}

func TestListMessages(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "from:mailer-daemon", r.URL.Query().Get("q"))
		assert.ElementsMatch(t, []string{"INBOX", "SPAM"}, r.URL.Query()["labelIds"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t2"}]}`))
	}))

	refs, err := c.ListMessages(context.Background(), "tok", []string{"INBOX", "SPAM"}, 50, "from:mailer-daemon")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "m1", refs[0].ID)
	assert.Equal(t, "t2", refs[1].ThreadID)
}

func TestGetMessage_DecodesRaw(t *testing.T) {
	raw := "From: a@b.c\r\n\r\nhello"
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(raw))

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/m1", r.URL.Path)
		assert.Equal(t, "raw", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`{"id":"m1","threadId":"t1","internalDate":"1754820000000","raw":"` + encoded + `"}`))
	}))

	msg, err := c.GetMessage(context.Background(), "tok", "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "t1", msg.ThreadID)
	assert.Equal(t, raw, string(msg.Raw))
	assert.Equal(t, time.UnixMilli(1754820000000).UTC(), msg.InternalDate)
}

func TestListHistory_DeduplicatesAddedMessages(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/history", r.URL.Path)
		assert.Equal(t, "12345", r.URL.Query().Get("startHistoryId"))
		_, _ = w.Write([]byte(`{
			"historyId":"12400",
			"history":[
				{"messagesAdded":[{"message":{"id":"m1","threadId":"t1"}},{"message":{"id":"m2","threadId":"t2"}}]},
				{"messagesAdded":[{"message":{"id":"m2","threadId":"t2"}},{"message":{"id":"m3","threadId":"t3"}}]}
			]
		}`))
	}))

	page, err := c.ListHistory(context.Background(), "tok", "12345", "", 100)
	require.NoError(t, err)
	assert.Equal(t, "12400", page.HistoryID)
	require.Len(t, page.AddedMessages, 3)
	assert.Equal(t, []MessageRef{{ID: "m1", ThreadID: "t1"}, {ID: "m2", ThreadID: "t2"}, {ID: "m3", ThreadID: "t3"}}, page.AddedMessages)
}

func TestGetCurrentHistoryID(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/profile", r.URL.Path)
		_, _ = w.Write([]byte(`{"emailAddress":"user@example.com","historyId":"999"}`))
	}))

	id, err := c.GetCurrentHistoryID(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "999", id)
}

func TestRefreshAccessToken(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))

		_, _ = w.Write([]byte(`{"access_token":"at-new","expires_in":3600}`))
	}))

	token, err := c.RefreshAccessToken(context.Background(), "rt-1", "cid", "csec")
	require.NoError(t, err)
	assert.Equal(t, "at-new", token.AccessToken)
	assert.Equal(t, 3600, token.ExpiresIn)
}

// The OAuth error body must surface in the error text so classification
// can detect invalid_grant.
func TestRefreshAccessToken_InvalidGrant(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))

	_, err := c.RefreshAccessToken(context.Background(), "rt-bad", "cid", "csec")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestGetJSON_ErrorIncludesStatusAndBody(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Too many requests"}}`))
	}))

	_, err := c.ListMessages(context.Background(), "tok", nil, 10, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
