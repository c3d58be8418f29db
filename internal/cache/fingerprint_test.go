package cache

import (
	"testing"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

func TestKeyStable(t *testing.T) {
	req := &llm.Request{Prompt: "What is the capital of France?"}
	a := NewKey("openai", "gpt-4o", req)
	b := NewKey("openai", "gpt-4o", req)
	if a != b {
		t.Fatalf("same request produced different keys: %+v vs %+v", a, b)
	}
	if len(a.Exact) != 64 || len(a.Variant) != 64 {
		t.Fatalf("keys are not sha256 hex: %+v", a)
	}
}

func TestKeyPromptEqualsSingleUserMessage(t *testing.T) {
	prompt := &llm.Request{Prompt: "hello there"}
	messages := &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello there"}}}
	if NewKey("openai", "gpt-4o", prompt) != NewKey("openai", "gpt-4o", messages) {
		t.Fatal("bare prompt and its single-user-message form must share a key")
	}
}

func TestKeyTrimsWhitespace(t *testing.T) {
	a := NewKey("openai", "gpt-4o", &llm.Request{Prompt: "  hello there  "})
	b := NewKey("openai", "gpt-4o", &llm.Request{Prompt: "hello there"})
	if a != b {
		t.Fatal("surrounding whitespace must not change the key")
	}
}

func TestKeyVariesWithInputs(t *testing.T) {
	base := func() *llm.Request { return &llm.Request{Prompt: "hello"} }
	ref := NewKey("openai", "gpt-4o", base())

	temp := 0.7
	seed := uint64(7)
	tests := []struct {
		name     string
		provider string
		model    string
		mutate   func(*llm.Request)
	}{
		{name: "provider", provider: "anthropic", model: "gpt-4o"},
		{name: "model", provider: "openai", model: "gpt-4o-mini"},
		{name: "temperature", provider: "openai", model: "gpt-4o", mutate: func(r *llm.Request) { r.Options.Temperature = &temp }},
		{name: "max tokens", provider: "openai", model: "gpt-4o", mutate: func(r *llm.Request) { r.Options.MaxTokens = 128 }},
		{name: "stop sequences", provider: "openai", model: "gpt-4o", mutate: func(r *llm.Request) { r.Options.StopSequences = []string{"END"} }},
		{name: "seed", provider: "openai", model: "gpt-4o", mutate: func(r *llm.Request) { r.Options.Seed = &seed }},
		{name: "response format", provider: "openai", model: "gpt-4o", mutate: func(r *llm.Request) {
			r.Options.ResponseFormat = &llm.ResponseFormat{Kind: "json"}
		}},
		{name: "tools", provider: "openai", model: "gpt-4o", mutate: func(r *llm.Request) {
			r.Options.Tools = []llm.ToolSchema{{Name: "get_weather"}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base()
			if tc.mutate != nil {
				tc.mutate(req)
			}
			got := NewKey(tc.provider, tc.model, req)
			if got.Exact == ref.Exact {
				t.Fatal("exact key did not change")
			}
			if got.Variant == ref.Variant {
				t.Fatal("variant key did not change")
			}
		})
	}
}

// TestKeyVariantIgnoresMessages pins the property the semantic tier relies
// on: different prompts under identical model and options share a variant.
func TestKeyVariantIgnoresMessages(t *testing.T) {
	a := NewKey("openai", "gpt-4o", &llm.Request{Prompt: "What is the capital of France?"})
	b := NewKey("openai", "gpt-4o", &llm.Request{Prompt: "What is the capital city of France?"})
	if a.Exact == b.Exact {
		t.Fatal("different prompts must have different exact keys")
	}
	if a.Variant != b.Variant {
		t.Fatal("different prompts under the same options must share a variant")
	}
}

func TestKeyOptionsOutsideFingerprint(t *testing.T) {
	plain := &llm.Request{Prompt: "hello"}
	streamed := &llm.Request{Prompt: "hello", Options: llm.Options{Stream: true}}
	if NewKey("openai", "gpt-4o", plain) != NewKey("openai", "gpt-4o", streamed) {
		t.Fatal("stream flag must not affect the fingerprint")
	}
}
