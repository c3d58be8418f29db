package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind enumerates every error class the router surfaces.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth              Kind = "auth"
	KindPermission        Kind = "permission"
	KindRateLimit         Kind = "rate_limit"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindNotFound          Kind = "not_found"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindContextLength     Kind = "context_length"
	KindSafetyBlocked     Kind = "safety_blocked"
	KindCancelled         Kind = "cancelled"
	KindInternal          Kind = "internal"
)

// Error is the typed error every component returns across package
// boundaries. Provider, Model, and RequestID are filled in by the pipeline
// as the error travels outward.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Provider   string
	Model      string
	RequestID  string
	Err        error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, preserving the chain.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether the same candidate may be retried after backoff.
func (k Kind) Retryable() bool {
	return k == KindUpstreamTransient
}

// FallbackEligible reports whether the router may advance to the next
// candidate after this error.
func (k Kind) FallbackEligible() bool {
	switch k {
	case KindNotFound, KindUpstreamTransient, KindUpstreamPermanent, KindContextLength:
		return true
	}
	return false
}

// HTTPStatus maps a kind onto the status the host surface responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindContextLength, KindSafetyBlocked:
		return 400
	case KindAuth:
		return 401
	case KindPermission:
		return 403
	case KindNotFound:
		return 404
	case KindRateLimit, KindQuotaExceeded:
		return 429
	case KindUpstreamTransient, KindUpstreamPermanent:
		return 502
	case KindCancelled:
		return 499
	default:
		return 500
	}
}

// StatusCoder is implemented by adapter errors that carry the upstream HTTP
// status.
type StatusCoder interface {
	HTTPStatus() int
}

// Classify folds an arbitrary adapter error into the taxonomy. Context
// cancellation maps to KindCancelled; upstream statuses map per class; errors
// with no status (connection resets, DNS failures) are treated as transient
// so the fallback chain gets a chance.
func Classify(err error, provider, model string) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		if typed.Provider == "" {
			typed.Provider = provider
		}
		if typed.Model == "" {
			typed.Model = model
		}
		return typed
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCancelled, Message: err.Error(), Provider: provider, Model: model, Err: err}
	}

	kind := KindUpstreamTransient
	var sc StatusCoder
	if errors.As(err, &sc) {
		kind = kindForStatus(sc.HTTPStatus(), err.Error())
	} else if looksLikeSafetyRefusal(err.Error()) {
		kind = KindSafetyBlocked
	}

	return &Error{Kind: kind, Message: err.Error(), Provider: provider, Model: model, Err: err}
}

func kindForStatus(status int, message string) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 408:
		return KindUpstreamTransient
	case status == 413:
		return KindContextLength
	case status == 429:
		// Upstream throttling, not a client budget breach: transient so the
		// retry/fallback machinery applies.
		return KindUpstreamTransient
	case status >= 500:
		return KindUpstreamTransient
	case status >= 400:
		if looksLikeContextOverflow(message) {
			return KindContextLength
		}
		if looksLikeSafetyRefusal(message) {
			return KindSafetyBlocked
		}
		return KindUpstreamPermanent
	default:
		return KindUpstreamTransient
	}
}

func looksLikeContextOverflow(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "context length") ||
		strings.Contains(m, "context window") ||
		strings.Contains(m, "maximum context") ||
		strings.Contains(m, "too many tokens") ||
		strings.Contains(m, "prompt is too long")
}

func looksLikeSafetyRefusal(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "content_filter") ||
		strings.Contains(m, "content filter") ||
		strings.Contains(m, "content policy") ||
		strings.Contains(m, "safety")
}
