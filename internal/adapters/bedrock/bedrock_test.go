package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New("AKIAMOCK", "mock-secret", "us-east-1", WithEndpointURL(srv.URL))
}

func invocationFor(modelID string) *adapters.Invocation {
	return &adapters.Invocation{
		Request: &llm.Request{Prompt: "Hello", ModelHint: modelID},
	}
}

func TestCodecFor(t *testing.T) {
	known := []string{
		"anthropic.claude-sonnet-4-5-v1:0",
		"meta.llama3-3-70b-instruct-v1:0",
		"mistral.mistral-large-2407-v1:0",
		"amazon.titan-text-express-v1",
		"cohere.command-text-v14",
	}
	for _, id := range known {
		if _, err := codecFor(id); err != nil {
			t.Errorf("codecFor(%q): %v", id, err)
		}
	}

	_, err := codecFor("ai21.jamba-instruct-v1:0")
	if !llm.IsKind(err, llm.KindValidation) {
		t.Fatalf("expected validation error for unknown family, got %v", err)
	}
}

func TestAdapter_Complete_AnthropicFamily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/invoke") {
			t.Errorf("expected invoke endpoint, got %q", r.URL.Path)
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIAMOCK/") {
			t.Errorf("missing SigV4 authorization, got %q", auth)
		}
		if r.Header.Get("X-Amz-Date") == "" {
			t.Error("missing X-Amz-Date header")
		}

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req["anthropic_version"] != "bedrock-2023-05-31" {
			t.Errorf("expected anthropic_version, got %v", req["anthropic_version"])
		}
		if req["system"] != "Be terse." {
			t.Errorf("expected lifted system prompt, got %v", req["system"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"content": [{"type":"text","text":"Hi there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 3}
		}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	inv := &adapters.Invocation{
		Request: &llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "Be terse."},
				{Role: llm.RoleUser, Content: "Hello"},
			},
			ModelHint: "anthropic.claude-sonnet-4-5-v1:0",
		},
	}

	resp, err := a.Complete(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Hi there" {
		t.Errorf("expected 'Hi there', got %q", resp.Text)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 3 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.FinishReason != llm.FinishStop {
		t.Errorf("expected stop, got %q", resp.FinishReason)
	}
}

func TestAdapter_Complete_MetaFamily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		if _, ok := req["prompt"]; !ok {
			t.Error("expected flattened prompt for meta family")
		}
		if _, ok := req["max_gen_len"]; !ok {
			t.Error("expected max_gen_len for meta family")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"generation": "42",
			"prompt_token_count": 8,
			"generation_token_count": 1,
			"stop_reason": "stop"
		}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Complete(context.Background(), invocationFor("meta.llama3-3-70b-instruct-v1:0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "42" {
		t.Errorf("expected '42', got %q", resp.Text)
	}
	if resp.Usage.PromptTokens != 8 {
		t.Errorf("expected 8 prompt tokens, got %d", resp.Usage.PromptTokens)
	}
}

func TestAdapter_Complete_AmazonFamily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		if _, ok := req["inputText"]; !ok {
			t.Error("expected inputText for amazon family")
		}
		if _, ok := req["textGenerationConfig"]; !ok {
			t.Error("expected textGenerationConfig for amazon family")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"inputTextTokenCount": 6,
			"results": [{"tokenCount": 2, "outputText": "ok then", "completionReason": "FINISH"}]
		}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Complete(context.Background(), invocationFor("amazon.titan-text-express-v1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "ok then" {
		t.Errorf("expected 'ok then', got %q", resp.Text)
	}
	if resp.Usage.CompletionTokens != 2 {
		t.Errorf("expected 2 completion tokens, got %d", resp.Usage.CompletionTokens)
	}
}

func TestAdapter_Stream_AnthropicFamily(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":9}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/invoke-with-response-stream") {
			t.Errorf("expected streaming endpoint, got %q", r.URL.Path)
		}
		flusher, ok := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			if ok {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	inv := invocationFor("anthropic.claude-sonnet-4-5-v1:0")
	inv.Request.Options.Stream = true

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

	if text != "Hello" {
		t.Errorf("expected 'Hello', got %q", text)
	}
	if !last.Done || last.FinishReason != llm.FinishStop {
		t.Errorf("unexpected terminal chunk: %+v", last)
	}
	if last.Usage == nil || last.Usage.PromptTokens != 9 || last.Usage.CompletionTokens != 2 {
		t.Errorf("expected accumulated usage, got %+v", last.Usage)
	}
}

func TestAdapter_Stream_CohereFamily(t *testing.T) {
	events := []string{
		`{"text":"one ","is_finished":false}`,
		`{"text":"two","is_finished":false}`,
		`{"is_finished":true,"finish_reason":"COMPLETE"}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	inv := invocationFor("cohere.command-text-v14")

	ch, err := a.Stream(context.Background(), inv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	var last llm.StreamChunk
	for chunk := range ch {
		text += chunk.Delta
		last = chunk
	}
	if text != "one two" {
		t.Errorf("expected 'one two', got %q", text)
	}
	if last.FinishReason != llm.FinishStop {
		t.Errorf("expected stop, got %q", last.FinishReason)
	}
}

func TestAdapter_Complete_Throttled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message":"Too many requests","__type":"ThrottlingException"}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Complete(context.Background(), invocationFor("anthropic.claude-sonnet-4-5-v1:0"))
	if err == nil {
		t.Fatal("expected error")
	}

	var perr *adapters.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *adapters.ProviderError, got %T", err)
	}
	if perr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", perr.StatusCode)
	}
	if perr.Type != "ThrottlingException" {
		t.Errorf("expected ThrottlingException type, got %q", perr.Type)
	}
}

func TestAdapter_Load_UnknownFamily(t *testing.T) {
	a := New("ak", "sk", "us-east-1")

	if _, err := a.Load(context.Background(), adapters.LoadSpec{ModelID: "amazon.titan-text-express-v1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := a.Load(context.Background(), adapters.LoadSpec{ModelID: "nope.unknown"})
	if !llm.IsKind(err, llm.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestAdapter_ListModels_ControlPlane(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/foundation-models" {
			t.Errorf("expected /foundation-models, got %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"modelSummaries":[
			{"modelId":"anthropic.claude-sonnet-4-5-v1:0"},
			{"modelId":"meta.llama3-3-70b-instruct-v1:0"}
		]}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].ID != "bedrock:anthropic.claude-sonnet-4-5-v1:0" {
		t.Errorf("unexpected id %q", models[0].ID)
	}
}

func TestSigV4_DeterministicKey(t *testing.T) {
	k1 := deriveSigningKey("secret", "20260101", "us-east-1", "bedrock")
	k2 := deriveSigningKey("secret", "20260101", "us-east-1", "bedrock")
	if string(k1) != string(k2) {
		t.Error("signing key derivation must be deterministic")
	}
	k3 := deriveSigningKey("secret", "20260102", "us-east-1", "bedrock")
	if string(k1) == string(k3) {
		t.Error("different dates must derive different keys")
	}
}
