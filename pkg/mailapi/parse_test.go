package mailapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bounceRaw = "From: Mail Delivery Subsystem <mailer-daemon@googlemail.com>\r\n" +
	"To: sender@ourplatform.com\r\n" +
	"Subject: Delivery Status Notification (Failure)\r\n" +
	"Message-ID: <bounce-1@mx.google.com>\r\n" +
	"Date: Mon, 10 Aug 2026 10:00:00 +0000\r\n" +
	"Return-Path: <>\r\n" +
	"X-Failed-Recipients: target@example.com\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Your message to target@example.com could not be delivered.\r\n" +
	"550 5.1.1 The email account that you tried to reach does not exist.\r\n"

const replyRaw = "From: Carol Jones <carol@example.com>\r\n" +
	"To: sender@ourplatform.com\r\n" +
	"Subject: Re: Quick question\r\n" +
	"Message-ID: <reply-1@example.com>\r\n" +
	"In-Reply-To: <orig-1@ourplatform.com>\r\n" +
	"References: <orig-1@ourplatform.com>\r\n" +
	"Date: Tue, 11 Aug 2026 09:30:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Thanks, this sounds interesting. Can we talk Friday?\r\n"

func TestParse_BounceMessage(t *testing.T) {
	raw := &RawMessage{
		ID:           "m-bounce",
		ThreadID:     "t-1",
		InternalDate: time.Date(2026, 8, 10, 10, 0, 1, 0, time.UTC),
		Raw:          []byte(bounceRaw),
	}

	pm, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "m-bounce", pm.ID)
	assert.Equal(t, "mailer-daemon@googlemail.com", pm.From)
	assert.Equal(t, "Delivery Status Notification (Failure)", pm.Subject)
	assert.Equal(t, "target@example.com", pm.Header("X-Failed-Recipients"))
	assert.True(t, pm.HasHeader("Return-Path"))
	assert.Equal(t, "", pm.ReturnPath)
	assert.Contains(t, pm.Body, "550 5.1.1")
	assert.Equal(t, time.Date(2026, 8, 10, 10, 0, 0, 0, time.UTC), pm.Date)
}

func TestParse_ReplyMessage(t *testing.T) {
	raw := &RawMessage{ID: "m-reply", ThreadID: "t-2", Raw: []byte(replyRaw)}

	pm, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "carol@example.com", pm.From)
	assert.Equal(t, []string{"sender@ourplatform.com"}, pm.To)
	assert.NotEmpty(t, pm.InReplyTo)
	assert.NotEmpty(t, pm.References)
	assert.Contains(t, pm.Body, "sounds interesting")
}

func TestParse_EmptyRaw(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)

	_, err = Parse(&RawMessage{ID: "x"})
	assert.Error(t, err)
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Mail Delivery Subsystem" <MAILER-DAEMON@googlemail.com>`, "mailer-daemon@googlemail.com"},
		{"plain@example.com", "plain@example.com"},
		{"  Spaced <a@b.c>  ", "a@b.c"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeAddress(tt.in))
	}
}
