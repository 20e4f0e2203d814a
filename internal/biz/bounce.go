package biz

import (
	"regexp"
	"strings"

	"MailSentry/internal/data"
	"MailSentry/pkg/mailapi"
)

// Sender address fragments that identify delivery-failure notifications.
var bounceSenderPatterns = []string{
	"mailer-daemon",
	"postmaster",
	"mail delivery subsystem",
	"maildelivery",
	"bounce",
}

// Subject fragments that identify delivery-failure notifications.
var bounceSubjectPatterns = []string{
	"delivery status notification",
	"undeliverable",
	"undelivered mail",
	"mail delivery failed",
	"delivery failure",
	"failure notice",
	"returned mail",
	"delivery incomplete",
}

// Body fragments confirming a bounce when the headers are inconclusive.
var bounceBodyPatterns = []string{
	"could not be delivered",
	"was not delivered",
	"delivery to the following recipient failed",
	"address not found",
	"permanent error",
	"this is an automatically generated delivery status notification",
}

var hardBouncePatterns = []string{
	"address not found",
	"no such user",
	"user unknown",
	"does not exist",
	"invalid recipient",
	"mailbox unavailable",
	"mailbox not found",
	"account disabled",
	"550",
	"5.1.1",
	"5.1.2",
	"5.2.1",
}

var spamBlockPatterns = []string{
	"spam",
	"blocked",
	"blacklist",
	"policy",
	"prohibited",
	"denied",
	"reputation",
	"554",
	"5.7.1",
}

var softBouncePatterns = []string{
	"mailbox full",
	"quota exceeded",
	"over quota",
	"try again later",
	"temporarily",
	"temporary",
	"timed out",
	"timeout",
	"451",
	"452",
	"4.2.2",
}

var (
	angleAddrRe     = regexp.MustCompile(`<([^<>\s]+@[^<>\s]+\.[^<>\s]+)>`)
	bareAddrRe      = regexp.MustCompile(`\b([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})\b`)
	recipientLineRe = regexp.MustCompile(`(?im)^\s*(?:to|recipient|final-recipient|original-recipient)\s*:\s*(?:rfc822;\s*)?(.+)$`)
	failedRecipRe   = regexp.MustCompile(`(?i)x-failed-recipients:\s*(.+)`)
)

// IsBounceMessage decides whether a fetched message is a delivery-failure
// notification. Header signals (sender, X-Failed-Recipients, empty
// Return-Path, delivery-status MIME part) are checked before falling back to
// subject and body keywords.
func IsBounceMessage(msg *mailapi.ParsedMessage) bool {
	if msg == nil {
		return false
	}

	from := strings.ToLower(msg.From)
	for _, p := range bounceSenderPatterns {
		if strings.Contains(from, p) {
			return true
		}
	}

	if msg.HasHeader("X-Failed-Recipients") {
		return true
	}

	// DSNs are sent with a null reverse path.
	if msg.HasHeader("Return-Path") && msg.ReturnPath == "" {
		return true
	}

	if strings.EqualFold(msg.ContentType, "multipart/report") {
		return true
	}
	for _, part := range msg.PartTypes {
		if strings.EqualFold(part, "message/delivery-status") {
			return true
		}
	}

	subject := strings.ToLower(msg.Subject)
	for _, p := range bounceSubjectPatterns {
		if strings.Contains(subject, p) {
			return true
		}
	}

	body := strings.ToLower(msg.Body)
	for _, p := range bounceBodyPatterns {
		if strings.Contains(body, p) {
			return true
		}
	}

	return false
}

// ParseFailedRecipient extracts the address whose delivery failed, first
// from headers, then from structured lines in the body, then from any
// angle-bracketed or bare address in the body.
func ParseFailedRecipient(msg *mailapi.ParsedMessage) string {
	if msg == nil {
		return ""
	}

	if v := msg.Header("X-Failed-Recipients"); v != "" {
		return firstAddress(v)
	}
	if m := failedRecipRe.FindStringSubmatch(msg.Body); len(m) > 1 {
		if addr := firstAddress(m[1]); addr != "" {
			return addr
		}
	}

	for _, m := range recipientLineRe.FindAllStringSubmatch(msg.Body, -1) {
		if addr := firstAddress(m[1]); addr != "" {
			return addr
		}
	}

	if m := angleAddrRe.FindStringSubmatch(msg.Body); len(m) > 1 {
		return strings.ToLower(m[1])
	}
	if m := bareAddrRe.FindStringSubmatch(msg.Body); len(m) > 1 {
		return strings.ToLower(m[1])
	}
	return ""
}

// firstAddress pulls the first mail address out of a free-form value.
func firstAddress(value string) string {
	value = strings.TrimSpace(value)
	if m := angleAddrRe.FindStringSubmatch(value); len(m) > 1 {
		return strings.ToLower(m[1])
	}
	if m := bareAddrRe.FindStringSubmatch(value); len(m) > 1 {
		return strings.ToLower(m[1])
	}
	return ""
}

// ClassifyBounceSeverity grades a confirmed bounce. Hard evidence wins over
// spam/policy evidence, which wins over soft evidence; anything ambiguous is
// soft so a recoverable address is never burned permanently.
func ClassifyBounceSeverity(msg *mailapi.ParsedMessage) data.BounceType {
	if msg == nil {
		return data.BounceSoft
	}

	text := strings.ToLower(msg.Subject + "\n" + msg.Body)

	for _, p := range hardBouncePatterns {
		if strings.Contains(text, p) {
			return data.BounceHard
		}
	}
	for _, p := range spamBlockPatterns {
		if strings.Contains(text, p) {
			return data.BounceSpamBlock
		}
	}
	for _, p := range softBouncePatterns {
		if strings.Contains(text, p) {
			return data.BounceSoft
		}
	}
	return data.BounceSoft
}
