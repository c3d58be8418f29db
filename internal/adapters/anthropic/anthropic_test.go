package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func testInvocation() *adapters.Invocation {
	return &adapters.Invocation{
		Request: &llm.Request{Prompt: "Hello", ModelHint: "claude-sonnet-4-5"},
	}
}

const messageBody = `{
	"id": "msg_01",
	"type": "message",
	"role": "assistant",
	"content": [{"type": "text", "text": "Hello, world!"}],
	"model": "claude-sonnet-4-5",
	"stop_reason": "end_turn",
	"stop_sequence": null,
	"usage": {"input_tokens": 10, "output_tokens": 5}
}`

func TestAdapter_Name(t *testing.T) {
	a := New("key")
	if a.Name() != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", a.Name())
	}
	info := a.Info()
	if info.CatalogHash == "" {
		t.Error("expected non-empty catalog hash")
	}
	if !info.Features.Has(llm.CapVision) {
		t.Error("expected vision in feature union")
	}
}

func TestAdapter_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("expected /v1/messages, got %q", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "mock-api-key" {
			t.Errorf("missing or wrong X-Api-Key header: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, messageBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Complete(context.Background(), testInvocation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text != "Hello, world!" {
		t.Errorf("expected text 'Hello, world!', got %q", resp.Text)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage: %v", resp.Usage)
	}
	if resp.FinishReason != llm.FinishStop {
		t.Errorf("expected finish reason stop, got %q", resp.FinishReason)
	}

	// claude-sonnet-4-5: 10 in × $3.00 + 5 out × $15.00 per MTok.
	want := (10*3.00 + 5*15.00) / 1e6
	if math.Abs(resp.Cost-want) > 1e-12 {
		t.Errorf("expected cost %v, got %v", want, resp.Cost)
	}
}

func TestAdapter_Complete_SystemLift(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			System []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
			MaxTokens int `json:"max_tokens"`
		}
		if err := decodeJSON(r, &body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(body.System) != 1 || body.System[0].Text != "Be terse." {
			t.Errorf("expected lifted system prompt, got %+v", body.System)
		}
		for _, m := range body.Messages {
			if m.Role == "system" {
				t.Error("system role leaked into messages")
			}
		}
		if body.MaxTokens != defaultMaxTokens {
			t.Errorf("expected default max_tokens %d, got %d", defaultMaxTokens, body.MaxTokens)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, messageBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	inv := &adapters.Invocation{
		Request: &llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "Be terse."},
				{Role: llm.RoleUser, Content: "Hello"},
			},
			ModelHint: "claude-sonnet-4-5",
		},
	}
	if _, err := a.Complete(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdapter_Complete_NoKey(t *testing.T) {
	a := New("")
	_, err := a.Complete(context.Background(), testInvocation())
	if !llm.IsKind(err, llm.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestAdapter_Stream(t *testing.T) {
	events := []struct{ name, data string }{
		{"message_start", `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			if ok {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	inv := testInvocation()
	inv.Request.Options.Stream = true

	a := newTestAdapter(srv)
	ch, err := a.Stream(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		text string
		last llm.StreamChunk
	)
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		text += chunk.Delta
		last = chunk
	}

	if text != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", text)
	}
	if !last.Done {
		t.Error("expected final chunk to carry Done")
	}
	if last.FinishReason != llm.FinishStop {
		t.Errorf("expected finish reason stop, got %q", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.PromptTokens != 10 || last.Usage.CompletionTokens != 2 {
		t.Errorf("expected usage on final chunk, got %+v", last.Usage)
	}
}

func TestAdapter_Complete_Overloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"Overloaded"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Complete(context.Background(), testInvocation())
	if err == nil {
		t.Fatal("expected error")
	}

	var perr *adapters.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *adapters.ProviderError, got %T", err)
	}
	if perr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", perr.StatusCode)
	}
}

func TestAdapter_Load(t *testing.T) {
	a := New("key")

	d, err := a.Load(context.Background(), adapters.LoadSpec{Provider: "anthropic", ModelID: "claude-opus-4-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID != "anthropic:claude-opus-4-1" {
		t.Errorf("expected id anthropic:claude-opus-4-1, got %q", d.ID)
	}
	if d.Limits.ContextTokens != 200_000 {
		t.Errorf("expected 200000 context tokens, got %d", d.Limits.ContextTokens)
	}

	_, err = a.Load(context.Background(), adapters.LoadSpec{Provider: "anthropic", ModelID: "claude-99"})
	if !llm.IsKind(err, llm.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestFinishReason(t *testing.T) {
	cases := map[string]llm.FinishReason{
		"end_turn":      llm.FinishStop,
		"stop_sequence": llm.FinishStop,
		"max_tokens":    llm.FinishLength,
		"tool_use":      llm.FinishToolUse,
		"refusal":       llm.FinishSafety,
	}
	for in, want := range cases {
		if got := finishReason(in); got != want {
			t.Errorf("finishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
