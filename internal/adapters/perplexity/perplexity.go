// Package perplexity implements the Perplexity adapter. The API is
// OpenAI-shaped chat completions with web-search extensions: responses carry
// a citations array and requests accept a search_recency_filter. Those extras
// fall outside the OpenAI SDK types, so this adapter speaks raw HTTP.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

const (
	providerName   = "perplexity"
	defaultBaseURL = "https://api.perplexity.ai"
)

var searchCaps = llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming, llm.CapJSONMode)

var catalog = adapters.NewCatalog([]adapters.CatalogEntry{
	{
		ModelID: "sonar", Family: "sonar",
		Capabilities:  searchCaps,
		ContextTokens: 128_000, MaxOutput: 8_192,
		InputPerMTok: 1.00, OutputPerMTok: 1.00, Quality: 0.70,
	},
	{
		ModelID: "sonar-pro", Family: "sonar",
		Capabilities:  searchCaps,
		ContextTokens: 200_000, MaxOutput: 8_192,
		InputPerMTok: 3.00, OutputPerMTok: 15.00, Quality: 0.80,
	},
	{
		ModelID: "sonar-reasoning", Family: "sonar-reasoning",
		Capabilities:  searchCaps,
		ContextTokens: 128_000, MaxOutput: 8_192,
		InputPerMTok: 1.00, OutputPerMTok: 5.00, Quality: 0.78,
	},
	{
		ModelID: "sonar-reasoning-pro", Family: "sonar-reasoning",
		Capabilities:  searchCaps,
		ContextTokens: 128_000, MaxOutput: 8_192,
		InputPerMTok: 2.00, OutputPerMTok: 8.00, Quality: 0.83,
	},
})

type chatRequest struct {
	Model               string    `json:"model"`
	Messages            []message `json:"messages"`
	Stream              bool      `json:"stream,omitempty"`
	MaxTokens           int       `json:"max_tokens,omitempty"`
	Temperature         *float64  `json:"temperature,omitempty"`
	TopP                *float64  `json:"top_p,omitempty"`
	TopK                *int      `json:"top_k,omitempty"`
	FrequencyPenalty    *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64  `json:"presence_penalty,omitempty"`
	SearchRecencyFilter string    `json:"search_recency_filter,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Message      message `json:"message"`
	Delta        message `json:"delta"`
	FinishReason string  `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErr struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Adapter talks to the Perplexity API.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Perplexity Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  adapters.NewHTTPClient(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Info() adapters.Info {
	return adapters.Info{
		Name:        providerName,
		Version:     "v1",
		Features:    catalog.Features(),
		CatalogHash: catalog.Hash(),
		Status:      "ready",
	}
}

func (a *Adapter) Load(ctx context.Context, spec adapters.LoadSpec) (*llm.ModelDescriptor, error) {
	entry, ok := catalog.Lookup(spec.ModelID)
	if !ok {
		return nil, llm.Errorf(llm.KindNotFound, "perplexity: model %q not in catalog", spec.ModelID)
	}
	return entry.Descriptor(providerName), nil
}

// Unload is a no-op: remote models hold no local resources.
func (a *Adapter) Unload(ctx context.Context, descriptorID string) error { return nil }

func (a *Adapter) Complete(ctx context.Context, inv *adapters.Invocation) (*llm.Response, error) {
	body, err := json.Marshal(buildRequest(inv, false))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "perplexity: marshal request: %v", err)
	}

	start := time.Now()
	resp, err := a.post(ctx, body, inv.Credential, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "perplexity: read response: %v", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "perplexity: decode response: %v", err)
	}

	text := ""
	finish := llm.FinishStop
	if len(cr.Choices) > 0 {
		text = cr.Choices[0].Message.Content
		finish = finishReason(cr.Choices[0].FinishReason)
	}

	u := llm.Usage{
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
		TotalTokens:      cr.Usage.TotalTokens,
	}
	u.Normalize()

	out := &llm.Response{
		Text:         text,
		Usage:        u,
		Cost:         cost(inv, u),
		LatencyMs:    time.Since(start).Milliseconds(),
		Model:        cr.Model,
		Provider:     providerName,
		FinishReason: finish,
	}
	if meta := searchMetadata(raw); len(meta) > 0 {
		out.Metadata = meta
	}
	return out, nil
}

func (a *Adapter) Stream(ctx context.Context, inv *adapters.Invocation) (<-chan llm.StreamChunk, error) {
	body, err := json.Marshal(buildRequest(inv, true))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "perplexity: marshal request: %v", err)
	}

	resp, err := a.post(ctx, body, inv.Credential, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	ch := make(chan llm.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		var (
			idx    int
			u      llm.Usage
			finish llm.FinishReason
		)
		scanner := adapters.NewEventScanner(resp.Body)
		for {
			data, ok := scanner.Next()
			if !ok {
				break
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if cr.Usage.TotalTokens > 0 {
				u = llm.Usage{
					PromptTokens:     cr.Usage.PromptTokens,
					CompletionTokens: cr.Usage.CompletionTokens,
					TotalTokens:      cr.Usage.TotalTokens,
				}
			}
			if len(cr.Choices) == 0 {
				continue
			}
			c := cr.Choices[0]
			if c.Delta.Content != "" {
				ch <- llm.StreamChunk{Delta: c.Delta.Content, Index: idx}
				idx++
			}
			if c.FinishReason != "" {
				finish = finishReason(c.FinishReason)
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- llm.StreamChunk{
				Index:        idx,
				Done:         true,
				FinishReason: llm.FinishError,
				Err:          llm.Errorf(llm.KindUpstreamTransient, "perplexity: stream read: %v", err),
			}
			return
		}

		if finish == "" {
			finish = llm.FinishStop
		}
		last := llm.StreamChunk{Index: idx, Done: true, FinishReason: finish}
		if u.TotalTokens > 0 {
			u.Normalize()
			uu := u
			last.Usage = &uu
		}
		ch <- last
	}()

	return ch, nil
}

// ListModels returns the static catalog: Perplexity exposes no models
// endpoint.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelSummary, error) {
	return catalog.Summaries(providerName), nil
}

func (a *Adapter) post(ctx context.Context, body []byte, credential string, streaming bool) (*http.Response, error) {
	key := credential
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, llm.Errorf(llm.KindAuth, "perplexity: no API key configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "perplexity: build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, llm.Classify(err, providerName, "")
	}
	return resp, nil
}

func buildRequest(inv *adapters.Invocation, stream bool) chatRequest {
	req := inv.Request

	messages := req.CanonicalMessages()
	msgs := make([]message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, message{Role: roleFor(m.Role), Content: m.Text()})
	}

	cr := chatRequest{
		Model:    modelOf(inv),
		Messages: msgs,
		Stream:   stream,
	}

	o := req.Options
	cr.Temperature = o.Temperature
	cr.TopP = o.TopP
	cr.TopK = o.TopK
	cr.FrequencyPenalty = o.FrequencyPenalty
	cr.PresencePenalty = o.PresencePenalty
	if o.MaxTokens > 0 {
		cr.MaxTokens = int(o.MaxTokens)
	}
	cr.SearchRecencyFilter = o.SearchRecency

	return cr
}

// roleFor narrows canonical roles to the three Perplexity accepts.
func roleFor(r llm.Role) string {
	switch r {
	case llm.RoleSystem:
		return "system"
	case llm.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}

// searchMetadata extracts the web-search extras Perplexity attaches outside
// the OpenAI shape. Citations keep their raw JSON form so callers can decode
// the URL list without guessing at a join character.
func searchMetadata(raw []byte) map[string]string {
	meta := map[string]string{}
	if c := gjson.GetBytes(raw, "citations"); c.Exists() && c.IsArray() {
		meta["citations"] = c.Raw
	}
	if r := gjson.GetBytes(raw, "related_questions"); r.Exists() && r.IsArray() {
		meta["related_questions"] = r.Raw
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func modelOf(inv *adapters.Invocation) string {
	if inv.Descriptor != nil && inv.Descriptor.ModelID != "" {
		return inv.Descriptor.ModelID
	}
	return inv.Request.ModelHint
}

func cost(inv *adapters.Invocation, u llm.Usage) float64 {
	if inv.Descriptor != nil {
		return inv.Descriptor.Pricing.Cost(u)
	}
	if e, ok := catalog.Lookup(modelOf(inv)); ok {
		return llm.Pricing{InputPerMTok: e.InputPerMTok, OutputPerMTok: e.OutputPerMTok}.Cost(u)
	}
	return 0
}

func finishReason(s string) llm.FinishReason {
	switch s {
	case "length":
		return llm.FinishLength
	case "content_filter":
		return llm.FinishSafety
	default:
		return llm.FinishStop
	}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var ae apiErr
	if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
		code := ""
		if ae.Error.Code != nil {
			code = fmt.Sprintf("%v", ae.Error.Code)
		}
		return &adapters.ProviderError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    ae.Error.Message,
			Type:       ae.Error.Type,
			Code:       code,
		}
	}

	return &adapters.ProviderError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       "provider_error",
	}
}
