package mailapi

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// ParsedMessage is the header/body view of a raw message that the bounce
// and reply heuristics operate on.
type ParsedMessage struct {
	ID           string
	ThreadID     string
	InternalDate time.Time

	Subject    string
	From       string // bare address, lowercased
	To         []string
	ReturnPath string
	MessageID  string
	InReplyTo  string
	References string
	Date       time.Time

	// ContentType is the top-level media type (e.g. multipart/report).
	ContentType string
	// PartTypes lists the media types of every MIME part, in order. A
	// message/delivery-status part is a strong bounce signal.
	PartTypes []string

	headers map[string]string
	// Body concatenates the textual parts (text/* and
	// message/delivery-status) of the message.
	Body string
}

// Header returns the first value of the named header, or "".
func (m *ParsedMessage) Header(name string) string {
	if m.headers == nil {
		return ""
	}
	return m.headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// HasHeader reports whether the named header is present, even if empty.
func (m *ParsedMessage) HasHeader(name string) bool {
	if m.headers == nil {
		return false
	}
	_, ok := m.headers[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// Parse decodes a RawMessage into headers and textual body parts.
// Unknown charsets are tolerated; the affected part is read as-is.
func Parse(raw *RawMessage) (*ParsedMessage, error) {
	if raw == nil || len(raw.Raw) == 0 {
		return nil, fmt.Errorf("empty raw message")
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message %s: %w", raw.ID, err)
	}
	if mr == nil {
		return nil, fmt.Errorf("parse message %s: no reader", raw.ID)
	}

	pm := &ParsedMessage{
		ID:           raw.ID,
		ThreadID:     raw.ThreadID,
		InternalDate: raw.InternalDate,
		headers:      make(map[string]string),
	}

	fields := mr.Header.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if _, exists := pm.headers[key]; exists {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			// Undecodable header: keep the raw value.
			value = fields.Value()
		}
		pm.headers[key] = value
	}

	pm.Subject = pm.Header("Subject")
	pm.From = normalizeAddress(pm.Header("From"))
	pm.ReturnPath = strings.Trim(pm.Header("Return-Path"), "<> ")
	pm.MessageID = pm.Header("Message-Id")
	pm.InReplyTo = pm.Header("In-Reply-To")
	pm.References = pm.Header("References")

	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			pm.To = append(pm.To, strings.ToLower(addr.Address))
		}
	}
	if date, err := mr.Header.Date(); err == nil {
		pm.Date = date.UTC()
	} else if !pm.InternalDate.IsZero() {
		pm.Date = pm.InternalDate
	}

	if ct := pm.Header("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			pm.ContentType = mediaType
		}
	}

	var body strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			break
		}

		var partType string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			partType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			partType, _, _ = h.ContentType()
		}
		if partType != "" {
			pm.PartTypes = append(pm.PartTypes, partType)
		}

		if isTextualPart(partType) {
			data, err := io.ReadAll(io.LimitReader(part.Body, 256<<10))
			if err == nil && len(data) > 0 {
				if body.Len() > 0 {
					body.WriteString("\n")
				}
				body.Write(data)
			}
		}
	}
	pm.Body = body.String()

	return pm, nil
}

// isTextualPart reports whether a part's content should feed the keyword
// heuristics. Delivery-status parts carry the SMTP status lines.
func isTextualPart(mediaType string) bool {
	switch {
	case mediaType == "":
		return true
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case mediaType == "message/delivery-status":
		return true
	case mediaType == "message/rfc822":
		return true
	default:
		return false
	}
}

// normalizeAddress extracts a bare lowercase address from a header value
// like `"Mail Delivery Subsystem" <mailer-daemon@googlemail.com>`.
func normalizeAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if start := strings.LastIndex(value, "<"); start != -1 {
		if end := strings.Index(value[start:], ">"); end != -1 {
			return strings.ToLower(strings.TrimSpace(value[start+1 : start+end]))
		}
	}
	return strings.ToLower(value)
}
