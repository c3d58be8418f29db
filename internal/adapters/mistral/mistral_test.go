package mistral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
		Request: &llm.Request{Prompt: "Hello", ModelHint: "mistral-large-latest"},
	}
}

func completionBody(content string) string {
	return fmt.Sprintf(`{
		"id": "cmpl-1",
		"model": "mistral-large-latest",
		"choices": [{"message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`, content)
}

func TestAdapter_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected /chat/completions, got %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer mock-api-key" {
			t.Errorf("missing bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("Bonjour!"))
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Complete(context.Background(), testInvocation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text != "Bonjour!" {
		t.Errorf("expected 'Bonjour!', got %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if resp.Provider != "mistral" {
		t.Errorf("expected provider mistral, got %q", resp.Provider)
	}
}

func TestAdapter_Complete_SafePrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["safe_prompt"] != true {
			t.Error("expected safe_prompt=true in request body")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("ok"))
	}))
	defer srv.Close()

	inv := testInvocation()
	inv.Request.Options.SafePrompt = true

	a := newTestAdapter(srv)
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
	chunks := []string{
		`{"choices":[{"delta":{"role":"assistant","content":"Bon"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{"content":"jour"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":2,"total_tokens":10}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("expected SSE accept header, got %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
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

	if text != "Bonjour" {
		t.Errorf("expected 'Bonjour', got %q", text)
	}
	if !last.Done || last.FinishReason != llm.FinishStop {
		t.Errorf("unexpected terminal chunk: %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 10 {
		t.Errorf("expected usage on final chunk, got %+v", last.Usage)
	}
}

func TestAdapter_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected /embeddings, got %q", r.URL.Path)
		}
		var body embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Model != "mistral-embed" {
			t.Errorf("expected mistral-embed, got %q", body.Model)
		}
		fmt.Fprint(w, `{
			"model": "mistral-embed",
			"data": [{"index": 0, "embedding": [0.5, 0.25]}],
			"usage": {"prompt_tokens": 3, "total_tokens": 3}
		}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Embed(context.Background(), &llm.EmbeddingRequest{
		Model: "mistral-embed",
		Input: []string{"bonjour"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Vectors) != 1 || len(resp.Vectors[0]) != 2 {
		t.Fatalf("unexpected vectors: %v", resp.Vectors)
	}
	if resp.Usage.PromptTokens != 3 {
		t.Errorf("expected 3 prompt tokens, got %d", resp.Usage.PromptTokens)
	}
}

func TestAdapter_Complete_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Unauthorized","type":"invalid_request_error","code":"401"}}`)
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
	if perr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", perr.StatusCode)
	}
	if kind := llm.KindOf(llm.Classify(err, "mistral", "")); kind != llm.KindAuth {
		t.Errorf("expected auth classification, got %q", kind)
	}
}

func TestAdapter_ListModels_Fallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("expected catalog fallback listing")
	}
}

func TestFinishReason(t *testing.T) {
	cases := map[string]llm.FinishReason{
		"stop":         llm.FinishStop,
		"length":       llm.FinishLength,
		"model_length": llm.FinishLength,
		"tool_calls":   llm.FinishToolUse,
	}
	for in, want := range cases {
		if got := finishReason(in); got != want {
			t.Errorf("finishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
