// Package emailerr provides classification of mail-provider failures.
// Classification is pure string matching over the error text and drives
// retry, circuit breaking and re-authentication decisions elsewhere.
package emailerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind represents the classified category of a provider failure.
type Kind string

const (
	// KindAuth represents an expired or rejected access token.
	// Retryable after a token refresh.
	KindAuth Kind = "AUTH_ERROR"
	// KindRefreshToken represents an invalid or revoked refresh token.
	// Never retried; the account owner must re-authenticate.
	KindRefreshToken Kind = "REFRESH_TOKEN_ERROR"
	// KindScope represents missing OAuth scopes/permissions.
	// Never retried; the account owner must re-authenticate with broader scopes.
	KindScope Kind = "SCOPE_ERROR"
	// KindRateLimit represents provider throttling (HTTP 429, quota messages).
	KindRateLimit Kind = "RATE_LIMIT_ERROR"
	// KindNetwork represents transient transport failures.
	KindNetwork Kind = "NETWORK_ERROR"
	// KindPermanent represents a definitive provider rejection (404/410, bad request).
	KindPermanent Kind = "PERMANENT_ERROR"
	// KindUnknown represents anything that matched no vocabulary.
	// Treated conservatively: not retried.
	KindUnknown Kind = "UNKNOWN_ERROR"
)

// ClassifiedError wraps a provider failure with its classification.
type ClassifiedError struct {
	Kind        Kind
	Retryable   bool
	OriginalErr error
	Message     string
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.OriginalErr)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *ClassifiedError) Unwrap() error {
	return e.OriginalErr
}

// NeedsReauth reports whether the failure can only be resolved by the
// account owner re-authenticating.
func (e *ClassifiedError) NeedsReauth() bool {
	return e.Kind == KindRefreshToken || e.Kind == KindScope
}

// Vocabularies are checked in declaration order; the order matters because
// provider error strings overlap (a revoked refresh token also mentions
// "invalid_grant" and "unauthorized").
var (
	refreshTokenKeywords = []string{
		"invalid_grant",
		"refresh token",
		"token has been expired or revoked",
		"token_revoked",
		"bad request: invalid refresh",
	}
	scopeKeywords = []string{
		"insufficient permission",
		"insufficient_scope",
		"insufficientpermissions",
		"access_denied",
		"request had insufficient authentication scopes",
		"scope",
	}
	authKeywords = []string{
		"401",
		"unauthorized",
		"invalid credentials",
		"invalid_token",
		"authentication",
		"login required",
	}
	rateLimitKeywords = []string{
		"429",
		"too many requests",
		"rate limit",
		"rateLimitExceeded",
		"user-rate limit",
		"quota exceeded",
		"backenderror",
	}
	networkKeywords = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"dial tcp",
		"eof",
		"tls handshake",
		"502",
		"503",
		"504",
		"temporarily unavailable",
	}
	permanentKeywords = []string{
		"404",
		"not found",
		"410",
		"gone",
		"400",
		"bad request",
		"failedprecondition",
		"invalid argument",
	}
)

// Classify maps a raw provider failure to a ClassifiedError.
// Returns nil for a nil error. If err is already classified it is
// returned as-is so wrapping layers stay idempotent.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	msg := strings.ToLower(err.Error())

	switch {
	case matchAny(msg, refreshTokenKeywords):
		return &ClassifiedError{Kind: KindRefreshToken, Retryable: false, OriginalErr: err, Message: "refresh token rejected, re-authentication required"}
	case matchAny(msg, scopeKeywords):
		return &ClassifiedError{Kind: KindScope, Retryable: false, OriginalErr: err, Message: "missing OAuth scopes, re-authentication required"}
	case matchAny(msg, rateLimitKeywords):
		return &ClassifiedError{Kind: KindRateLimit, Retryable: true, OriginalErr: err, Message: "provider rate limit"}
	case matchAny(msg, authKeywords):
		return &ClassifiedError{Kind: KindAuth, Retryable: true, OriginalErr: err, Message: "access token rejected"}
	case matchAny(msg, networkKeywords):
		return &ClassifiedError{Kind: KindNetwork, Retryable: true, OriginalErr: err, Message: "transient network failure"}
	case matchAny(msg, permanentKeywords):
		return &ClassifiedError{Kind: KindPermanent, Retryable: false, OriginalErr: err, Message: "permanent provider rejection"}
	default:
		return &ClassifiedError{Kind: KindUnknown, Retryable: false, OriginalErr: err, Message: "unclassified provider failure"}
	}
}

func matchAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the error classifies as retryable.
func IsRetryable(err error) bool {
	ce := Classify(err)
	return ce != nil && ce.Retryable
}

// NeedsReauth reports whether the error signals that the account owner
// must re-authenticate.
func NeedsReauth(err error) bool {
	ce := Classify(err)
	return ce != nil && ce.NeedsReauth()
}

// IsKind reports whether the error classifies as the given kind.
func IsKind(err error, kind Kind) bool {
	ce := Classify(err)
	return ce != nil && ce.Kind == kind
}
