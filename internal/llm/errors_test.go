package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type statusErr struct {
	status  int
	message string
}

func (e *statusErr) Error() string   { return e.message }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestClassify_StatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    Kind
	}{
		{"unauthorized", 401, "invalid api key", KindAuth},
		{"forbidden", 403, "forbidden", KindAuth},
		{"not found", 404, "model not found", KindNotFound},
		{"timeout", 408, "request timeout", KindUpstreamTransient},
		{"payload too large", 413, "payload too large", KindContextLength},
		{"throttled", 429, "rate limit exceeded", KindUpstreamTransient},
		{"server error", 500, "internal error", KindUpstreamTransient},
		{"bad gateway", 502, "bad gateway", KindUpstreamTransient},
		{"plain bad request", 400, "invalid field 'foo'", KindUpstreamPermanent},
		{"context overflow", 400, "this model's maximum context length is 8192 tokens", KindContextLength},
		{"prompt too long", 400, "prompt is too long: 210000 tokens", KindContextLength},
		{"content filter", 400, "response blocked by content_filter", KindSafetyBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(&statusErr{tt.status, tt.message}, "openai", "gpt-4o")
			if got.Kind != tt.want {
				t.Fatalf("Classify(%d, %q) = %s, want %s", tt.status, tt.message, got.Kind, tt.want)
			}
			if got.Provider != "openai" || got.Model != "gpt-4o" {
				t.Errorf("provider/model not attached: %+v", got)
			}
		})
	}
}

func TestClassify_ContextCancellation(t *testing.T) {
	for _, err := range []error{context.Canceled, context.DeadlineExceeded} {
		got := Classify(fmt.Errorf("dial: %w", err), "anthropic", "claude")
		if got.Kind != KindCancelled {
			t.Errorf("Classify(%v) = %s, want %s", err, got.Kind, KindCancelled)
		}
	}
}

func TestClassify_UntypedErrorIsTransient(t *testing.T) {
	got := Classify(errors.New("connection reset by peer"), "mistral", "m")
	if got.Kind != KindUpstreamTransient {
		t.Fatalf("untyped error classified as %s, want %s", got.Kind, KindUpstreamTransient)
	}
}

func TestClassify_PreservesTypedError(t *testing.T) {
	orig := Errorf(KindPermission, "no provider key")
	got := Classify(fmt.Errorf("resolve: %w", orig), "cohere", "command-r")
	if got.Kind != KindPermission {
		t.Fatalf("kind = %s, want %s", got.Kind, KindPermission)
	}
	if got.Provider != "cohere" {
		t.Errorf("provider not backfilled: %q", got.Provider)
	}
}

func TestKind_RetryAndFallbackTables(t *testing.T) {
	tests := []struct {
		kind     Kind
		retry    bool
		fallback bool
	}{
		{KindValidation, false, false},
		{KindAuth, false, false},
		{KindPermission, false, false},
		{KindRateLimit, false, false},
		{KindQuotaExceeded, false, false},
		{KindNotFound, false, true},
		{KindUpstreamTransient, true, true},
		{KindUpstreamPermanent, false, true},
		{KindContextLength, false, true},
		{KindSafetyBlocked, false, false},
		{KindCancelled, false, false},
		{KindInternal, false, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.retry {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.retry)
		}
		if got := tt.kind.FallbackEligible(); got != tt.fallback {
			t.Errorf("%s.FallbackEligible() = %v, want %v", tt.kind, got, tt.fallback)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	wrapped := Wrap(KindInternal, inner, "dispatch failed")
	if !errors.Is(wrapped, inner) {
		t.Fatal("errors.Is should reach the wrapped error")
	}
	if KindOf(wrapped) != KindInternal {
		t.Fatalf("KindOf = %s", KindOf(wrapped))
	}
	if KindOf(errors.New("bare")) != KindInternal {
		t.Fatal("untyped errors should report KindInternal")
	}
}
