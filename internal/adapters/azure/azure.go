// Package azure implements the Azure OpenAI adapter. Azure uses
// deployment-scoped URLs and authenticates with either the "api-key" header
// or an Azure AD bearer token obtained through the OAuth2 client-credentials
// flow.
//
// Model routing: model names with the "azure-" prefix have the prefix
// stripped to derive the deployment name. E.g. "azure-gpt-4o" → deployment
// "gpt-4o". Names without the prefix are used as-is.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

const (
	providerName      = "azure"
	defaultAPIVersion = "2024-12-01-preview"

	// Resource scope for Azure AD tokens against Cognitive Services.
	adScope = "https://cognitiveservices.azure.com/.default"
)

var chatCaps = llm.Caps(
	llm.CapChat, llm.CapText, llm.CapStreaming,
	llm.CapToolUse, llm.CapFunctionCalling, llm.CapJSONMode,
)

var catalog = adapters.NewCatalog([]adapters.CatalogEntry{
	{
		ModelID: "azure-gpt-4.1", Family: "gpt-4.1",
		Capabilities:  llm.Caps(append(chatCaps, llm.CapVision)...),
		ContextTokens: 1_047_576, MaxOutput: 32_768,
		InputPerMTok: 2.00, OutputPerMTok: 8.00, Quality: 0.91,
	},
	{
		ModelID: "azure-gpt-4o", Family: "gpt-4o",
		Capabilities:  llm.Caps(append(chatCaps, llm.CapVision)...),
		ContextTokens: 128_000, MaxOutput: 16_384,
		InputPerMTok: 2.50, OutputPerMTok: 10.00, Quality: 0.89,
	},
	{
		ModelID: "azure-gpt-4o-mini", Family: "gpt-4o",
		Capabilities:  llm.Caps(append(chatCaps, llm.CapVision)...),
		ContextTokens: 128_000, MaxOutput: 16_384,
		InputPerMTok: 0.15, OutputPerMTok: 0.60, Quality: 0.76,
	},
	{
		ModelID: "azure-text-embedding-3-small", Family: "text-embedding-3",
		Capabilities:  llm.Caps(llm.CapEmbedding),
		ContextTokens: 8_191,
		InputPerMTok:  0.02, Quality: 0.70,
	},
})

// ─── Wire types ──────────────────────────────────────────────────────────────

type chatRequest struct {
	Messages       []chatMessage   `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Seed           *uint64         `json:"seed,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
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

type embeddingsRequest struct {
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage usage  `json:"usage"`
}

// Adapter talks to an Azure OpenAI resource over deployment-scoped URLs.
type Adapter struct {
	endpoint   string // e.g. "https://myresource.openai.azure.com"
	apiKey     string
	apiVersion string
	tokens     oauth2.TokenSource
	client     *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithAPIVersion overrides the query-string api-version.
func WithAPIVersion(v string) Option {
	return func(a *Adapter) { a.apiVersion = v }
}

// WithADCredentials switches authentication to an Azure AD bearer token
// obtained via the client-credentials grant for the given tenant.
func WithADCredentials(tenantID, clientID, clientSecret string) Option {
	return func(a *Adapter) {
		cc := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
			Scopes:       []string{adScope},
		}
		a.tokens = cc.TokenSource(context.Background())
	}
}

// New creates an Azure OpenAI Adapter.
func New(endpoint, apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: defaultAPIVersion,
		client:     adapters.NewHTTPClient(),
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
		Version:     a.apiVersion,
		Features:    catalog.Features(),
		CatalogHash: catalog.Hash(),
		Status:      "ready",
	}
}

func (a *Adapter) Load(ctx context.Context, spec adapters.LoadSpec) (*llm.ModelDescriptor, error) {
	entry, ok := catalog.Lookup(spec.ModelID)
	if !ok {
		return nil, llm.Errorf(llm.KindNotFound, "azure: model %q not in catalog", spec.ModelID)
	}
	return entry.Descriptor(providerName), nil
}

// Unload is a no-op: remote models hold no local resources.
func (a *Adapter) Unload(ctx context.Context, descriptorID string) error { return nil }

func (a *Adapter) Complete(ctx context.Context, inv *adapters.Invocation) (*llm.Response, error) {
	body, err := json.Marshal(buildRequest(inv, false))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "azure: marshal request: %v", err)
	}

	deployment := deploymentName(modelOf(inv))
	start := time.Now()
	resp, err := a.post(ctx, a.completionsURL(deployment), body, inv.Credential, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "azure: decode response: %v", err)
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
		return nil, llm.Errorf(llm.KindInternal, "azure: marshal request: %v", err)
	}

	deployment := deploymentName(modelOf(inv))
	resp, err := a.post(ctx, a.completionsURL(deployment), body, inv.Credential, true)
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
				Err:          llm.Errorf(llm.KindUpstreamTransient, "azure: stream read: %v", err),
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

// ListModels returns the static catalog: Azure model availability is governed
// by per-resource deployments, which the data-plane listing cannot see.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelSummary, error) {
	return catalog.Summaries(providerName), nil
}

// Embed implements adapters.Embedder against the deployment-scoped
// embeddings endpoint.
func (a *Adapter) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	body, err := json.Marshal(embeddingsRequest{Input: req.Input})
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "azure: marshal request: %v", err)
	}

	deployment := deploymentName(req.Model)
	resp, err := a.post(ctx, a.embeddingsURL(deployment), body, req.Credential, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var er embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "azure: decode response: %v", err)
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
		Model:    req.Model,
		Provider: providerName,
		Cost:     embedCost,
	}, nil
}

// HealthProbe implements adapters.HealthProber.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	url := fmt.Sprintf("%s/openai/models?api-version=%s", a.endpoint, a.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("azure: health probe: %w", err)
	}
	if err := a.authorize(req, ""); err != nil {
		return err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("azure: health probe: %w", err)
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
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "azure: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if err := a.authorize(req, credential); err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, llm.Classify(err, providerName, "")
	}
	return resp, nil
}

// authorize sets either the api-key header or an AD bearer token. A
// per-invocation credential always wins and is sent as an api-key.
func (a *Adapter) authorize(req *http.Request, credential string) error {
	switch {
	case credential != "":
		req.Header.Set("api-key", credential)
	case a.apiKey != "":
		req.Header.Set("api-key", a.apiKey)
	case a.tokens != nil:
		tok, err := a.tokens.Token()
		if err != nil {
			return llm.Errorf(llm.KindAuth, "azure: AD token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	default:
		return llm.Errorf(llm.KindAuth, "azure: no API key or AD credentials configured")
	}
	return nil
}

// deploymentName strips the "azure-" prefix if present, yielding the Azure
// deployment name used in the URL.
func deploymentName(model string) string {
	return strings.TrimPrefix(model, "azure-")
}

func (a *Adapter) completionsURL(deployment string) string {
	return fmt.Sprintf(
		"%s/openai/deployments/%s/chat/completions?api-version=%s",
		a.endpoint, deployment, a.apiVersion,
	)
}

func (a *Adapter) embeddingsURL(deployment string) string {
	return fmt.Sprintf(
		"%s/openai/deployments/%s/embeddings?api-version=%s",
		a.endpoint, deployment, a.apiVersion,
	)
}

func buildRequest(inv *adapters.Invocation, stream bool) chatRequest {
	req := inv.Request
	messages := req.CanonicalMessages()

	msgs := make([]chatMessage, len(messages))
	for i, m := range messages {
		msgs[i] = chatMessage{Role: string(m.Role), Content: m.Text()}
	}

	cr := chatRequest{Messages: msgs}
	if stream {
		cr.Stream = true
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	o := req.Options
	cr.Temperature = o.Temperature
	cr.TopP = o.TopP
	cr.Seed = o.Seed
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
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolUse
	case "content_filter":
		return llm.FinishSafety
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
		Type:       "azure_error",
	}
}
