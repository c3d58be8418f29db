package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New(srv.URL, "mock-api-key", WithAPIVersion("2024-12-01-preview"))
}

func testInvocation() *adapters.Invocation {
	return &adapters.Invocation{
		Request: &llm.Request{Prompt: "Hello", ModelHint: "azure-gpt-4o"},
	}
}

func completionBody(content string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{"message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`, content)
}

func TestDeploymentName(t *testing.T) {
	if got := deploymentName("azure-gpt-4o"); got != "gpt-4o" {
		t.Errorf("expected prefix stripped, got %q", got)
	}
	if got := deploymentName("my-deployment"); got != "my-deployment" {
		t.Errorf("expected passthrough, got %q", got)
	}
}

func TestAdapter_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/openai/deployments/gpt-4o/chat/completions"
		if r.URL.Path != wantPath {
			t.Errorf("expected path %q, got %q", wantPath, r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != "2024-12-01-preview" {
			t.Errorf("missing api-version, got %q", r.URL.RawQuery)
		}
		if got := r.Header.Get("api-key"); got != "mock-api-key" {
			t.Errorf("expected api-key header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("Hello, world!"))
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Complete(context.Background(), testInvocation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Text != "Hello, world!" {
		t.Errorf("expected 'Hello, world!', got %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if resp.Provider != "azure" {
		t.Errorf("expected provider azure, got %q", resp.Provider)
	}
}

func TestAdapter_Complete_CredentialOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("api-key"); got != "byok-key" {
			t.Errorf("expected caller key, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("ok"))
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	inv := testInvocation()
	inv.Credential = "byok-key"
	if _, err := a.Complete(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdapter_Complete_NoAuth(t *testing.T) {
	a := New("https://example.openai.azure.com", "")
	_, err := a.Complete(context.Background(), testInvocation())
	if !llm.IsKind(err, llm.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestAdapter_Stream(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"role":"assistant","content":"Hello"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{"content":" world"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Error("expected stream=true in request body")
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

	if text != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", text)
	}
	if !last.Done || last.FinishReason != llm.FinishStop {
		t.Errorf("unexpected terminal chunk: %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 12 {
		t.Errorf("expected usage on final chunk, got %+v", last.Usage)
	}
}

func TestAdapter_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/openai/deployments/text-embedding-3-small/embeddings"
		if r.URL.Path != wantPath {
			t.Errorf("expected path %q, got %q", wantPath, r.URL.Path)
		}
		fmt.Fprint(w, `{
			"data": [{"embedding": [0.1, 0.2]}],
			"model": "text-embedding-3-small",
			"usage": {"prompt_tokens": 4, "total_tokens": 4}
		}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Embed(context.Background(), &llm.EmbeddingRequest{
		Model: "azure-text-embedding-3-small",
		Input: []string{"hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Vectors) != 1 || len(resp.Vectors[0]) != 2 {
		t.Fatalf("unexpected vectors: %v", resp.Vectors)
	}
}

func TestAdapter_Complete_ContentFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"The response was filtered","type":"content_filter","code":"content_filter"}}`)
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
	if perr.Code != "content_filter" {
		t.Errorf("expected content_filter code, got %q", perr.Code)
	}
	if !strings.Contains(perr.Message, "filtered") {
		t.Errorf("unexpected message %q", perr.Message)
	}
}

func TestAdapter_Load(t *testing.T) {
	a := New("https://example.openai.azure.com", "key")

	d, err := a.Load(context.Background(), adapters.LoadSpec{Provider: "azure", ModelID: "azure-gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID != "azure:azure-gpt-4o" {
		t.Errorf("unexpected descriptor id %q", d.ID)
	}

	_, err = a.Load(context.Background(), adapters.LoadSpec{Provider: "azure", ModelID: "gpt-99"})
	if !llm.IsKind(err, llm.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}
