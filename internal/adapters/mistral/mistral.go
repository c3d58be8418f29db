// Package mistral implements the Mistral AI adapter over raw HTTP. The wire
// shape is OpenAI-compatible with two Mistral extras: the safe_prompt
// guardrail flag and random_seed. Embeddings go through /v1/embeddings.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

const (
	providerName   = "mistral"
	defaultBaseURL = "https://api.mistral.ai/v1"
)

var chatCaps = llm.Caps(
	llm.CapChat, llm.CapText, llm.CapStreaming,
	llm.CapToolUse, llm.CapFunctionCalling, llm.CapJSONMode,
)

var catalog = adapters.NewCatalog([]adapters.CatalogEntry{
	{
		ModelID: "mistral-large-latest", Family: "mistral-large",
		Capabilities:  chatCaps,
		ContextTokens: 128_000, MaxOutput: 8_192,
		InputPerMTok: 2.00, OutputPerMTok: 6.00, Quality: 0.84,
	},
	{
		ModelID: "mistral-small-latest", Family: "mistral-small",
		Capabilities:  chatCaps,
		ContextTokens: 128_000, MaxOutput: 8_192,
		InputPerMTok: 0.10, OutputPerMTok: 0.30, Quality: 0.68,
	},
	{
		ModelID: "codestral-latest", Family: "codestral",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming),
		ContextTokens: 256_000, MaxOutput: 8_192,
		InputPerMTok: 0.30, OutputPerMTok: 0.90, Quality: 0.79,
	},
	{
		ModelID: "open-mistral-nemo", Family: "mistral-nemo",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming),
		ContextTokens: 128_000, MaxOutput: 8_192,
		InputPerMTok: 0.15, OutputPerMTok: 0.15, Quality: 0.62,
	},
	{
		ModelID: "mistral-embed", Family: "mistral-embed",
		Capabilities:  llm.Caps(llm.CapEmbedding),
		ContextTokens: 8_000,
		InputPerMTok:  0.10, Quality: 0.72,
	},
})

// ─── Wire types ──────────────────────────────────────────────────────────────

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	RandomSeed     *uint64         `json:"random_seed,omitempty"`
	SafePrompt     bool            `json:"safe_prompt,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage usage   `json:"usage"`
	Error *apiErr `json:"error,omitempty"`
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Adapter talks to the Mistral "La Plateforme" API.
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

// New creates a Mistral Adapter.
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
		return nil, llm.Errorf(llm.KindNotFound, "mistral: model %q not in catalog", spec.ModelID)
	}
	return entry.Descriptor(providerName), nil
}

// Unload is a no-op: remote models hold no local resources.
func (a *Adapter) Unload(ctx context.Context, descriptorID string) error { return nil }

func (a *Adapter) Complete(ctx context.Context, inv *adapters.Invocation) (*llm.Response, error) {
	body, err := json.Marshal(buildRequest(inv, false))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "mistral: marshal request: %v", err)
	}

	start := time.Now()
	resp, err := a.post(ctx, a.baseURL+"/chat/completions", body, inv.Credential, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "mistral: decode response: %v", err)
	}

	text := ""
	finish := llm.FinishStop
	if len(cr.Choices) > 0 {
		if cr.Choices[0].Message != nil {
			text = cr.Choices[0].Message.Content
		}
		finish = finishReason(cr.Choices[0].FinishReason)
	}

	u := llm.Usage{
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
		TotalTokens:      cr.Usage.TotalTokens,
	}
	u.Normalize()

	model := cr.Model
	if model == "" {
		model = modelOf(inv)
	}

	return &llm.Response{
		Text:         text,
		Usage:        u,
		Cost:         cost(inv, u),
		LatencyMs:    time.Since(start).Milliseconds(),
		Model:        model,
		Provider:     providerName,
		FinishReason: finish,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, inv *adapters.Invocation) (<-chan llm.StreamChunk, error) {
	body, err := json.Marshal(buildRequest(inv, true))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "mistral: marshal request: %v", err)
	}

	resp, err := a.post(ctx, a.baseURL+"/chat/completions", body, inv.Credential, true)
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
		sc := adapters.NewEventScanner(resp.Body)
		for {
			data, ok := sc.Next()
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
			if c.Delta != nil && c.Delta.Content != "" {
				ch <- llm.StreamChunk{Delta: c.Delta.Content, Index: idx}
				idx++
			}
			if c.FinishReason != "" {
				finish = finishReason(c.FinishReason)
			}
		}

		if err := sc.Err(); err != nil {
			ch <- llm.StreamChunk{
				Index:        idx,
				Done:         true,
				FinishReason: llm.FinishError,
				Err:          llm.Errorf(llm.KindUpstreamTransient, "mistral: stream read: %v", err),
			}
			return
		}

		if finish == "" {
			finish = llm.FinishStop
		}
		last := llm.StreamChunk{Index: idx, Done: true, FinishReason: finish}
		if u.TotalTokens > 0 {
			uu := u
			last.Usage = &uu
		}
		ch <- last
	}()

	return ch, nil
}

// ListModels returns the live model listing, enriched from the catalog. On
// upstream failure the static catalog serves as the fallback.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return catalog.Summaries(providerName), nil
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return catalog.Summaries(providerName), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return catalog.Summaries(providerName), nil
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return catalog.Summaries(providerName), nil
	}

	out := make([]llm.ModelSummary, 0, len(list.Data))
	for _, m := range list.Data {
		s := llm.ModelSummary{
			ID:       llm.DescriptorID(providerName, m.ID),
			Provider: providerName,
			ModelID:  m.ID,
		}
		if e, ok := catalog.Lookup(m.ID); ok {
			s.Capabilities = e.Capabilities
			s.ContextTokens = e.ContextTokens
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return catalog.Summaries(providerName), nil
	}
	return out, nil
}

// Embed implements adapters.Embedder.
func (a *Adapter) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	body, err := json.Marshal(embeddingRequest{Model: req.Model, Input: req.Input})
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "mistral: marshal request: %v", err)
	}

	resp, err := a.post(ctx, a.baseURL+"/embeddings", body, req.Credential, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "mistral: decode response: %v", err)
	}

	vectors := make([][]float32, len(er.Data))
	for i, d := range er.Data {
		vectors[i] = d.Embedding
	}

	u := llm.Usage{PromptTokens: er.Usage.PromptTokens, TotalTokens: er.Usage.TotalTokens}
	u.Normalize()

	var embedCost float64
	if e, ok := catalog.Lookup(req.Model); ok {
		embedCost = llm.Pricing{InputPerMTok: e.InputPerMTok}.Cost(u)
	}

	return &llm.EmbeddingResponse{
		Vectors:  vectors,
		Usage:    u,
		Model:    er.Model,
		Provider: providerName,
		Cost:     embedCost,
	}, nil
}

// HealthProbe implements adapters.HealthProber.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("mistral: health probe: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("mistral: health probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &adapters.ProviderError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("health probe status %d", resp.StatusCode),
		}
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, url string, body []byte, credential string, stream bool) (*http.Response, error) {
	key := credential
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, llm.Errorf(llm.KindAuth, "mistral: no API key configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "mistral: build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	if stream {
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

	msgs := make([]chatMessage, len(messages))
	for i, m := range messages {
		msgs[i] = chatMessage{Role: string(m.Role), Content: m.Text()}
	}

	cr := chatRequest{
		Model:    modelOf(inv),
		Messages: msgs,
		Stream:   stream,
	}

	o := req.Options
	cr.Temperature = o.Temperature
	cr.TopP = o.TopP
	cr.RandomSeed = o.Seed
	cr.SafePrompt = o.SafePrompt
	if o.MaxTokens > 0 {
		cr.MaxTokens = int(o.MaxTokens)
	}
	if len(o.StopSequences) > 0 {
		cr.Stop = o.StopSequences
	}
	if rf := o.ResponseFormat; rf != nil && rf.Kind == "json" {
		cr.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	return cr
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
	case "length", "model_length":
		return llm.FinishLength
	case "tool_calls":
		return llm.FinishToolUse
	default:
		return llm.FinishStop
	}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &adapters.ProviderError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    cr.Error.Message,
			Type:       cr.Error.Type,
			Code:       cr.Error.Code,
		}
	}

	return &adapters.ProviderError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       "mistral_error",
	}
}
