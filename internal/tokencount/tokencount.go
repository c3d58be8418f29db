// Package tokencount estimates token usage for admission control, cost
// ranking, and context-length prechecks.
//
// Counts come from tiktoken encodings when one can be loaded; otherwise a
// ~4 bytes per token heuristic keeps estimates close enough for budgeting.
// Estimates are reconciled against provider-reported usage after each call,
// so precision matters less than being cheap and never failing.
package tokencount

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

const (
	// perMessageOverhead covers role and message framing tokens.
	perMessageOverhead = 4

	// replyPriming accounts for the assistant header every completion
	// starts with.
	replyPriming = 3
)

// Counter estimates token counts for requests and plain text. Encodings are
// loaded lazily and cached; a load failure (offline host, unknown model)
// pins that encoding to the heuristic path.
type Counter struct {
	mu   sync.Mutex
	encs map[string]*encoderState
}

type encoderState struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// New creates a Counter with no encodings loaded yet.
func New() *Counter {
	return &Counter{encs: make(map[string]*encoderState)}
}

// CountText returns the token count of text under the model's encoding, or
// the byte-length heuristic when the encoding is unavailable.
func (c *Counter) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristic(text)
}

// EstimateRequest estimates the prompt-side token count of a request,
// including per-message framing and tool schemas.
func (c *Counter) EstimateRequest(model string, req *llm.Request) int {
	total := 0
	for _, m := range req.CanonicalMessages() {
		total += perMessageOverhead
		total += c.CountText(model, string(m.Role))
		total += c.CountText(model, m.Text())
		if m.Name != "" {
			total += c.CountText(model, m.Name) + 1 // name costs 1 extra token
		}
	}
	if len(req.Options.Tools) > 0 {
		if b, err := json.Marshal(req.Options.Tools); err == nil {
			total += c.CountText(model, string(b))
		}
	}
	total += replyPriming
	return max(total, 1)
}

// EstimateTotal is the admission estimate: prompt tokens plus the caller's
// full output budget. The limiter reconciles it once real usage is known.
func (c *Counter) EstimateTotal(model string, req *llm.Request) int {
	return c.EstimateRequest(model, req) + int(req.Options.MaxTokens)
}

// encoder returns the cached tiktoken encoding for model, or nil when it
// cannot be loaded.
func (c *Counter) encoder(model string) *tiktoken.Tiktoken {
	name := encodingFor(model)

	c.mu.Lock()
	st, ok := c.encs[name]
	if !ok {
		st = &encoderState{}
		c.encs[name] = st
	}
	c.mu.Unlock()

	st.once.Do(func() {
		st.enc, st.err = tiktoken.GetEncoding(name)
	})
	if st.err != nil {
		return nil
	}
	return st.enc
}

// encodingFor maps a model identifier to its tiktoken encoding. Non-OpenAI
// models get cl100k_base, which tracks modern BPE vocabularies closely
// enough for estimation.
func encodingFor(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return "o200k_base"
	default:
		return "cl100k_base"
	}
}

// heuristic approximates ~4 bytes per token for English text; ceil division.
func heuristic(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
