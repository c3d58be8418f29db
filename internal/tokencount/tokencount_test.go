package tokencount

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

func TestHeuristicCeilDivision(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		if got := heuristic(tc.in); got != tc.want {
			t.Errorf("heuristic(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCountTextEmpty(t *testing.T) {
	c := New()
	if got := c.CountText("gpt-4o", ""); got != 0 {
		t.Errorf("CountText(empty) = %d, want 0", got)
	}
	if got := c.CountText("gpt-4o", "hello world"); got < 1 {
		t.Errorf("CountText(non-empty) = %d, want ≥ 1", got)
	}
}

func TestEstimateRequestPromptEqualsSingleUserMessage(t *testing.T) {
	c := New()
	byPrompt := &llm.Request{Prompt: "What is the capital of France?"}
	byMessages := &llm.Request{Messages: []llm.Message{
		{Role: llm.RoleUser, Content: "What is the capital of France?"},
	}}

	a := c.EstimateRequest("gpt-4o", byPrompt)
	b := c.EstimateRequest("gpt-4o", byMessages)
	if a != b {
		t.Errorf("prompt estimate %d != equivalent message estimate %d", a, b)
	}
	if a < perMessageOverhead+replyPriming {
		t.Errorf("estimate %d below fixed overhead %d", a, perMessageOverhead+replyPriming)
	}
}

func TestEstimateRequestNameAndToolsAddTokens(t *testing.T) {
	c := New()
	base := &llm.Request{Messages: []llm.Message{
		{Role: llm.RoleUser, Content: "summarize this"},
	}}
	named := &llm.Request{Messages: []llm.Message{
		{Role: llm.RoleUser, Content: "summarize this", Name: "alice"},
	}}
	withTools := &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "summarize this"}},
		Options: llm.Options{Tools: []llm.ToolSchema{
			{Name: "search", Description: "web search", Parameters: map[string]any{"type": "object"}},
		}},
	}

	b := c.EstimateRequest("gpt-4o", base)
	if n := c.EstimateRequest("gpt-4o", named); n <= b {
		t.Errorf("named estimate %d not greater than base %d", n, b)
	}
	if w := c.EstimateRequest("gpt-4o", withTools); w <= b {
		t.Errorf("tool estimate %d not greater than base %d", w, b)
	}
}

func TestEstimateTotalAddsOutputBudget(t *testing.T) {
	c := New()
	req := &llm.Request{
		Prompt:  "Write a haiku",
		Options: llm.Options{MaxTokens: 50},
	}
	prompt := c.EstimateRequest("gpt-4o", req)
	if got := c.EstimateTotal("gpt-4o", req); got != prompt+50 {
		t.Errorf("EstimateTotal = %d, want prompt %d + 50", got, prompt)
	}

	req.Options.MaxTokens = 0
	if got := c.EstimateTotal("gpt-4o", req); got != prompt {
		t.Errorf("EstimateTotal without cap = %d, want %d", got, prompt)
	}
}

func TestEncodingFor(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4o-mini", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"claude-sonnet-4-5", "cl100k_base"},
		{"mistral-large-latest", "cl100k_base"},
		{"", "cl100k_base"},
	}
	for _, tc := range cases {
		if got := encodingFor(tc.model); got != tc.want {
			t.Errorf("encodingFor(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}
