// Package cohere implements the Cohere adapter over the platform's native
// API shapes: /v1/chat for the command-r family, legacy /v1/generate for
// older command models, /v1/embed, and /v1/rerank. Cohere streams
// newline-delimited JSON events rather than SSE frames.
package cohere

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

const (
	providerName   = "cohere"
	defaultBaseURL = "https://api.cohere.com/v1"
)

var catalog = adapters.NewCatalog([]adapters.CatalogEntry{
	{
		ModelID: "command-r-plus-08-2024", Family: "command-r",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming, llm.CapToolUse, llm.CapJSONMode),
		ContextTokens: 128_000, MaxOutput: 4_096,
		InputPerMTok: 2.50, OutputPerMTok: 10.00, Quality: 0.82,
	},
	{
		ModelID: "command-r-08-2024", Family: "command-r",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming, llm.CapToolUse, llm.CapJSONMode),
		ContextTokens: 128_000, MaxOutput: 4_096,
		InputPerMTok: 0.15, OutputPerMTok: 0.60, Quality: 0.72,
	},
	{
		ModelID: "command", Family: "command",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming),
		ContextTokens: 4_096, MaxOutput: 4_096,
		InputPerMTok: 1.50, OutputPerMTok: 2.00, Quality: 0.58,
	},
	{
		ModelID: "embed-english-v3.0", Family: "embed",
		Capabilities:  llm.Caps(llm.CapEmbedding),
		ContextTokens: 512,
		InputPerMTok:  0.10, Quality: 0.75,
	},
	{
		ModelID: "rerank-english-v3.0", Family: "rerank",
		Capabilities:  llm.Caps(llm.CapRerank),
		ContextTokens: 4_096,
		Quality:       0.80,
	},
})

// ─── Wire types ──────────────────────────────────────────────────────────────

type chatRequest struct {
	Model         string        `json:"model"`
	Message       string        `json:"message"`
	ChatHistory   []historyTurn `json:"chat_history,omitempty"`
	Preamble      string        `json:"preamble,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	P             *float64      `json:"p,omitempty"`
	K             *int          `json:"k,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Seed          *uint64       `json:"seed,omitempty"`
}

type historyTurn struct {
	Role    string `json:"role"` // USER | CHATBOT | SYSTEM
	Message string `json:"message"`
}

type chatResponse struct {
	Text         string `json:"text"`
	GenerationID string `json:"generation_id"`
	FinishReason string `json:"finish_reason"`
	Meta         *meta  `json:"meta,omitempty"`
	Message      string `json:"message,omitempty"` // error payloads
}

type meta struct {
	BilledUnits billedUnits `json:"billed_units"`
}

type billedUnits struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type generateRequest struct {
	Model         string   `json:"model"`
	Prompt        string   `json:"prompt"`
	Stream        bool     `json:"stream,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	P             *float64 `json:"p,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

type generateResponse struct {
	Generations []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"generations"`
	Meta    *meta  `json:"meta,omitempty"`
	Message string `json:"message,omitempty"`
}

// chatEvent is one NDJSON frame of a /v1/chat or /v1/generate stream.
type chatEvent struct {
	EventType    string        `json:"event_type,omitempty"`
	Text         string        `json:"text,omitempty"`
	IsFinished   bool          `json:"is_finished,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Response     *chatResponse `json:"response,omitempty"`
}

type embedRequest struct {
	Model     string   `json:"model"`
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Meta       *meta       `json:"meta,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// RerankRequest asks /v1/rerank to order documents by relevance to a query.
type RerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

// RerankResult is one scored document from a rerank call.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []RerankResult `json:"results"`
	Message string         `json:"message,omitempty"`
}

// Adapter talks to the Cohere platform API.
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

// New creates a Cohere Adapter.
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
		return nil, llm.Errorf(llm.KindNotFound, "cohere: model %q not in catalog", spec.ModelID)
	}
	return entry.Descriptor(providerName), nil
}

// Unload is a no-op: remote models hold no local resources.
func (a *Adapter) Unload(ctx context.Context, descriptorID string) error { return nil }

func (a *Adapter) Complete(ctx context.Context, inv *adapters.Invocation) (*llm.Response, error) {
	modelID := modelOf(inv)
	if usesChatAPI(modelID) {
		return a.completeChat(ctx, inv, modelID)
	}
	return a.completeGenerate(ctx, inv, modelID)
}

func (a *Adapter) completeChat(ctx context.Context, inv *adapters.Invocation, modelID string) (*llm.Response, error) {
	body, err := json.Marshal(buildChatRequest(inv, modelID, false))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "cohere: marshal request: %v", err)
	}

	start := time.Now()
	resp, err := a.post(ctx, a.baseURL+"/chat", body, inv.Credential)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "cohere: decode response: %v", err)
	}

	u := usageFromMeta(cr.Meta)
	return &llm.Response{
		Text:         cr.Text,
		Usage:        u,
		Cost:         cost(inv, u),
		LatencyMs:    time.Since(start).Milliseconds(),
		Model:        modelID,
		Provider:     providerName,
		FinishReason: finishReason(cr.FinishReason),
	}, nil
}

func (a *Adapter) completeGenerate(ctx context.Context, inv *adapters.Invocation, modelID string) (*llm.Response, error) {
	body, err := json.Marshal(buildGenerateRequest(inv, modelID, false))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "cohere: marshal request: %v", err)
	}

	start := time.Now()
	resp, err := a.post(ctx, a.baseURL+"/generate", body, inv.Credential)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "cohere: decode response: %v", err)
	}

	text := ""
	finish := llm.FinishStop
	if len(gr.Generations) > 0 {
		text = gr.Generations[0].Text
		finish = finishReason(gr.Generations[0].FinishReason)
	}

	u := usageFromMeta(gr.Meta)
	return &llm.Response{
		Text:         text,
		Usage:        u,
		Cost:         cost(inv, u),
		LatencyMs:    time.Since(start).Milliseconds(),
		Model:        modelID,
		Provider:     providerName,
		FinishReason: finish,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, inv *adapters.Invocation) (<-chan llm.StreamChunk, error) {
	modelID := modelOf(inv)

	var (
		body []byte
		err  error
		path string
	)
	if usesChatAPI(modelID) {
		body, err = json.Marshal(buildChatRequest(inv, modelID, true))
		path = "/chat"
	} else {
		body, err = json.Marshal(buildGenerateRequest(inv, modelID, true))
		path = "/generate"
	}
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "cohere: marshal request: %v", err)
	}

	resp, err := a.post(ctx, a.baseURL+path, body, inv.Credential)
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
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var ev chatEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				continue
			}

			switch {
			case ev.EventType == "text-generation", ev.EventType == "" && !ev.IsFinished:
				if ev.Text != "" {
					ch <- llm.StreamChunk{Delta: ev.Text, Index: idx}
					idx++
				}
			case ev.EventType == "stream-end", ev.IsFinished:
				finish = finishReason(ev.FinishReason)
				if ev.Response != nil {
					u = usageFromMeta(ev.Response.Meta)
				}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- llm.StreamChunk{
				Index:        idx,
				Done:         true,
				FinishReason: llm.FinishError,
				Err:          llm.Errorf(llm.KindUpstreamTransient, "cohere: stream read: %v", err),
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

// ListModels returns the static catalog: the Cohere models endpoint requires
// broader scopes than generation keys usually carry.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelSummary, error) {
	return catalog.Summaries(providerName), nil
}

// Embed implements adapters.Embedder against /v1/embed.
func (a *Adapter) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	body, err := json.Marshal(embedRequest{
		Model:     req.Model,
		Texts:     req.Input,
		InputType: "search_document",
	})
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "cohere: marshal request: %v", err)
	}

	resp, err := a.post(ctx, a.baseURL+"/embed", body, req.Credential)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "cohere: decode response: %v", err)
	}

	u := usageFromMeta(er.Meta)
	var embedCost float64
	if e, ok := catalog.Lookup(req.Model); ok {
		embedCost = llm.Pricing{InputPerMTok: e.InputPerMTok}.Cost(u)
	}

	return &llm.EmbeddingResponse{
		Vectors:  er.Embeddings,
		Usage:    u,
		Model:    req.Model,
		Provider: providerName,
		Cost:     embedCost,
	}, nil
}

// Rerank orders documents by relevance to the query via /v1/rerank. This is
// a Cohere-specific capability outside the common adapter contract.
func (a *Adapter) Rerank(ctx context.Context, req *RerankRequest) ([]RerankResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "cohere: marshal request: %v", err)
	}

	resp, err := a.post(ctx, a.baseURL+"/rerank", body, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "cohere: decode response: %v", err)
	}
	return rr.Results, nil
}

// HealthProbe implements adapters.HealthProber with a minimal embed call.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models?page_size=1", nil)
	if err != nil {
		return fmt.Errorf("cohere: health probe: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("cohere: health probe: %w", err)
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

func (a *Adapter) post(ctx context.Context, url string, body []byte, credential string) (*http.Response, error) {
	key := credential
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, llm.Errorf(llm.KindAuth, "cohere: no API key configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "cohere: build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, llm.Classify(err, providerName, "")
	}
	return resp, nil
}

// usesChatAPI reports whether the model speaks the /v1/chat shape; legacy
// command models stay on /v1/generate.
func usesChatAPI(modelID string) bool {
	return strings.HasPrefix(modelID, "command-r")
}

// buildChatRequest maps canonical messages onto Cohere's message +
// chat_history + preamble split: system text becomes the preamble, the last
// user turn becomes the message, and everything before it is history.
func buildChatRequest(inv *adapters.Invocation, modelID string, stream bool) chatRequest {
	req := inv.Request
	messages := req.CanonicalMessages()

	var preamble string
	var turns []historyTurn
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			if preamble != "" {
				preamble += "\n"
			}
			preamble += m.Text()
		case llm.RoleAssistant:
			turns = append(turns, historyTurn{Role: "CHATBOT", Message: m.Text()})
		default:
			turns = append(turns, historyTurn{Role: "USER", Message: m.Text()})
		}
	}

	message := ""
	if n := len(turns); n > 0 && turns[n-1].Role == "USER" {
		message = turns[n-1].Message
		turns = turns[:n-1]
	} else {
		message = req.PromptText()
	}

	cr := chatRequest{
		Model:       modelID,
		Message:     message,
		ChatHistory: turns,
		Preamble:    preamble,
		Stream:      stream,
	}

	o := req.Options
	cr.Temperature = o.Temperature
	cr.P = o.TopP
	cr.K = o.TopK
	cr.Seed = o.Seed
	if o.MaxTokens > 0 {
		cr.MaxTokens = int(o.MaxTokens)
	}
	if len(o.StopSequences) > 0 {
		cr.StopSequences = o.StopSequences
	}

	return cr
}

func buildGenerateRequest(inv *adapters.Invocation, modelID string, stream bool) generateRequest {
	req := inv.Request
	gr := generateRequest{
		Model:  modelID,
		Prompt: req.PromptText(),
		Stream: stream,
	}

	o := req.Options
	gr.Temperature = o.Temperature
	gr.P = o.TopP
	if o.MaxTokens > 0 {
		gr.MaxTokens = int(o.MaxTokens)
	}
	if len(o.StopSequences) > 0 {
		gr.StopSequences = o.StopSequences
	}

	return gr
}

func usageFromMeta(m *meta) llm.Usage {
	if m == nil {
		return llm.Usage{}
	}
	u := llm.Usage{
		PromptTokens:     m.BilledUnits.InputTokens,
		CompletionTokens: m.BilledUnits.OutputTokens,
	}
	u.Normalize()
	return u
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
	case "MAX_TOKENS":
		return llm.FinishLength
	case "ERROR_TOXIC":
		return llm.FinishSafety
	case "ERROR":
		return llm.FinishError
	default:
		return llm.FinishStop
	}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Message != "" {
		return &adapters.ProviderError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    cr.Message,
			Type:       "cohere_error",
		}
	}

	return &adapters.ProviderError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       "cohere_error",
	}
}
