// Package apierr renders router errors as the structured HTTP error envelope:
//
//	{"error": {"kind": "...", "message": "...", "retryAfter": 1500, ...}}
//
// The HTTP status code is derived from the error kind, so handlers never pick
// statuses by hand.
package apierr

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"

	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/valyala/fasthttp"
)

// APIError is the wire form of a router error.
type (
	APIError struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`

		// RetryAfter is the suggested backoff in milliseconds. Present only on
		// rate-limit and quota errors; mirrored in the Retry-After header.
		RetryAfter int64 `json:"retryAfter,omitempty"`

		Provider  string `json:"provider,omitempty"`
		Model     string `json:"model,omitempty"`
		RequestID string `json:"requestId,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// From converts any error to its wire form. Errors that are not *llm.Error
// values are reported as kind "internal" without leaking their message to
// the client.
func From(err error) APIError {
	var lerr *llm.Error
	if !errors.As(err, &lerr) {
		return APIError{
			Kind:    string(llm.KindInternal),
			Message: "internal server error",
		}
	}
	e := APIError{
		Kind:      string(lerr.Kind),
		Message:   lerr.Message,
		Provider:  lerr.Provider,
		Model:     lerr.Model,
		RequestID: lerr.RequestID,
	}
	if e.Message == "" {
		e.Message = lerr.Error()
	}
	if lerr.RetryAfter > 0 {
		e.RetryAfter = lerr.RetryAfter.Milliseconds()
	}
	return e
}

// Write renders err with the status mapped from its kind.
func Write(ctx *fasthttp.RequestCtx, err error) {
	e := From(err)

	var lerr *llm.Error
	if errors.As(err, &lerr) && lerr.RetryAfter > 0 {
		secs := int(math.Ceil(lerr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	}

	write(ctx, llm.Kind(e.Kind).HTTPStatus(), e)
}

// WriteKind writes an ad-hoc error envelope for handler-level failures that
// never became typed errors (bad JSON, unknown route parameters).
func WriteKind(ctx *fasthttp.RequestCtx, kind llm.Kind, message string) {
	write(ctx, kind.HTTPStatus(), APIError{
		Kind:    string(kind),
		Message: message,
	})
}

func write(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}
