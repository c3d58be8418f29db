// Package llm defines the normalized request/response model shared by every
// component of the router: messages, generation options, model descriptors,
// stream chunks, usage/cost accounting, and the error taxonomy.
//
// The package is the dependency root — it imports nothing from this module,
// and every other internal package imports it.
package llm

import (
	"fmt"
	"time"
)

// Default per-request deadlines, applied by the pipeline when the caller
// does not set Options.Timeout.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultStreamTimeout = 60 * time.Second
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

// Part is one fragment of a multi-part message content.
type Part struct {
	Kind string `json:"kind"` // "text" or "image_url"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is a single normalized chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Parts   []Part `json:"parts,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Text returns the textual content of the message, concatenating text parts
// when Content is empty.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == "text" {
			out += p.Text
		}
	}
	return out
}

// ResponseFormat constrains the output shape.
type ResponseFormat struct {
	Kind string `json:"kind"` // "text" or "json"
}

// ToolSchema describes one tool the model may call.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

/// ToolChoice controls tool invocation: "auto", "none", or a specific tool name.
type ToolChoice struct {
	Mode string `json:"mode,omitempty"` // "auto" | "none" | "named"
	Name string `json:"name,omitempty"`
}

// Options are the generation parameters forwarded to adapters.
type Options struct {
	MaxTokens        uint32          `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	TopK             *int            `json:"top_k,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Seed             *uint64         `json:"seed,omitempty"`
	Tools            []ToolSchema    `json:"tools,omitempty"`
	ToolChoice       *ToolChoice     `json:"tool_choice,omitempty"`

	// Timeout bounds the whole dispatch, fallbacks included. Zero means
	// DefaultTimeout (DefaultStreamTimeout when streaming).
	Timeout time.Duration `json:"timeout,omitempty"`

	// CacheStreamed buffers a streamed response for cache insertion.
	CacheStreamed bool `json:"cache_streamed,omitempty"`

	// SafePrompt maps to Mistral's safe_prompt guardrail.
	SafePrompt bool `json:"safe_prompt,omitempty"`

	// SearchRecency maps to Perplexity's search_recency_filter
	// ("day", "week", "month", "year").
	SearchRecency string `json:"search_recency,omitempty"`

	// Urgency steers the adaptive strategy ("high" selects speed-priority).
	Urgency string `json:"urgency,omitempty"`
}

// Requirements narrow the candidate set when no explicit model is hinted.
type Requirements struct {
	Capabilities    CapabilitySet `json:"capabilities,omitempty"`
	MaxCostPerMTok  float64       `json:"max_cost_per_mtok,omitempty"`
	MinContext      int           `json:"min_context,omitempty"`
	SpeedPriority   bool          `json:"speed_priority,omitempty"`
	QualityPriority bool          `json:"quality_priority,omitempty"`
}

// Tier classifies an API key for rate-limit and quota purposes.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// ParseTier maps a stored tier string to a known tier, defaulting to basic.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierPro, TierEnterprise, TierAdmin:
		return Tier(s)
	default:
		return TierBasic
	}
}

// AuthContext is attached to a request once authentication succeeds.
type AuthContext struct {
	KeyID   string `json:"key_id"`
	Tier    Tier   `json:"tier"`
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// Request is the normalized input to the pipeline. Exactly one of Prompt and
// Messages must be populated.
type Request struct {
	Prompt       string       `json:"prompt,omitempty"`
	Messages     []Message    `json:"messages,omitempty"`
	ModelHint    string       `json:"model,omitempty"`
	Requirements Requirements `json:"requirements,omitempty"`
	Options      Options      `json:"options,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`

	// Populated by the pipeline, never by callers.
	Auth      AuthContext `json:"-"`
	RequestID string      `json:"-"`
}

// Validate enforces the request invariants: exactly one of prompt/messages,
// and option values inside their documented ranges.
func (r *Request) Validate() error {
	hasPrompt := r.Prompt != ""
	hasMessages := len(r.Messages) > 0
	if hasPrompt == hasMessages {
		return Errorf(KindValidation, "exactly one of prompt or messages must be set")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool, RoleFunction:
		default:
			return Errorf(KindValidation, "messages[%d]: unknown role %q", i, m.Role)
		}
	}
	if t := r.Options.Temperature; t != nil && (*t < 0 || *t > 2) {
		return Errorf(KindValidation, "temperature %v outside [0, 2]", *t)
	}
	if p := r.Options.TopP; p != nil && (*p <= 0 || *p > 1) {
		return Errorf(KindValidation, "top_p %v outside (0, 1]", *p)
	}
	if rf := r.Options.ResponseFormat; rf != nil && rf.Kind != "text" && rf.Kind != "json" {
		return Errorf(KindValidation, "response_format.kind %q is not text or json", rf.Kind)
	}
	return nil
}

// CanonicalMessages returns the message sequence the adapters consume: a bare
// prompt becomes a single user message.
func (r *Request) CanonicalMessages() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []Message{{Role: RoleUser, Content: r.Prompt}}
}

// PromptText flattens the canonical messages into one string, used for token
// estimation and cache embeddings.
func (r *Request) PromptText() string {
	if r.Prompt != "" {
		return r.Prompt
	}
	var out string
	for i, m := range r.Messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Text()
	}
	return out
}

// Deadline returns the effective request timeout.
func (r *Request) Deadline() time.Duration {
	if r.Options.Timeout > 0 {
		return r.Options.Timeout
	}
	if r.Options.Stream {
		return DefaultStreamTimeout
	}
	return DefaultTimeout
}

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Normalize fills TotalTokens when the provider omitted it.
func (u *Usage) Normalize() {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
}

// FinishReason is the normalized completion terminator.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishLength  FinishReason = "length"
	FinishToolUse FinishReason = "tool_use"
	FinishSafety  FinishReason = "safety"
	FinishError   FinishReason = "error"
)

// ToolCall is a completed tool invocation request from the model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallDelta is a streamed fragment of a tool call.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Response is the unified completion result.
type Response struct {
	Text            string            `json:"text"`
	Usage           Usage             `json:"usage"`
	Cost            float64           `json:"cost"`
	LatencyMs       int64             `json:"latency_ms"`
	Model           string            `json:"model"`
	Provider        string            `json:"provider"`
	FinishReason    FinishReason      `json:"finish_reason"`
	ToolCalls       []ToolCall        `json:"tool_calls,omitempty"`
	Cached          bool              `json:"cached"`
	CacheSimilarity float64           `json:"cache_similarity,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// StreamChunk is one element of a streamed response. The final chunk carries
// Done=true and, when the provider reports them, usage totals.
type StreamChunk struct {
	Delta        string         `json:"delta,omitempty"`
	ToolDelta    *ToolCallDelta `json:"tool_delta,omitempty"`
	Index        int            `json:"index"`
	Done         bool           `json:"done"`
	Usage        *Usage         `json:"usage,omitempty"`
	FinishReason FinishReason   `json:"finish_reason,omitempty"`
	Err          error          `json:"-"`
}

// EmbeddingRequest asks an adapter for vector embeddings. Credential is the
// resolved caller key, populated by the pipeline; empty means the adapter's
// configured default.
type EmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Credential string   `json:"-"`
}

// EmbeddingResponse is the unified embedding result.
type EmbeddingResponse struct {
	Vectors  [][]float32 `json:"vectors"`
	Usage    Usage       `json:"usage"`
	Model    string      `json:"model"`
	Provider string      `json:"provider"`
	Cost     float64     `json:"cost"`
}

// ModelSummary is one entry of an adapter's model listing.
type ModelSummary struct {
	ID            string        `json:"id"`
	Provider      string        `json:"provider"`
	ModelID       string        `json:"model_id"`
	Capabilities  CapabilitySet `json:"capabilities,omitempty"`
	ContextTokens int           `json:"context_tokens,omitempty"`
}

// String implements fmt.Stringer for log readability.
func (u Usage) String() string {
	return fmt.Sprintf("in=%d out=%d total=%d", u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}
