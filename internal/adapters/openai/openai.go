// Package openai implements the OpenAI adapter on the official Go SDK:
// chat completions, streaming, embeddings, and the live model listing.
package openai

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

const (
	providerName   = "openai"
	apiVersion     = "v1"
	defaultBaseURL = "https://api.openai.com/v1"
)

var chatCaps = llm.Caps(
	llm.CapChat, llm.CapText, llm.CapStreaming,
	llm.CapToolUse, llm.CapFunctionCalling, llm.CapJSONMode,
)

var catalog = adapters.NewCatalog([]adapters.CatalogEntry{
	{
		ModelID: "gpt-4.1", Family: "gpt-4.1",
		Capabilities:  llm.Caps(append(chatCaps, llm.CapVision)...),
		ContextTokens: 1_047_576, MaxOutput: 32_768,
		InputPerMTok: 2.00, OutputPerMTok: 8.00, Quality: 0.91,
	},
	{
		ModelID: "gpt-4.1-mini", Family: "gpt-4.1",
		Capabilities:  llm.Caps(append(chatCaps, llm.CapVision)...),
		ContextTokens: 1_047_576, MaxOutput: 32_768,
		InputPerMTok: 0.40, OutputPerMTok: 1.60, Quality: 0.82,
	},
	{
		ModelID: "gpt-4o", Family: "gpt-4o",
		Capabilities:  llm.Caps(append(chatCaps, llm.CapVision)...),
		ContextTokens: 128_000, MaxOutput: 16_384,
		InputPerMTok: 2.50, OutputPerMTok: 10.00, Quality: 0.89,
	},
	{
		ModelID: "gpt-4o-mini", Family: "gpt-4o",
		Capabilities:  llm.Caps(append(chatCaps, llm.CapVision)...),
		ContextTokens: 128_000, MaxOutput: 16_384,
		InputPerMTok: 0.15, OutputPerMTok: 0.60, Quality: 0.76,
	},
	{
		ModelID: "gpt-3.5-turbo", Family: "gpt-3.5",
		Capabilities:  chatCaps,
		ContextTokens: 16_385, MaxOutput: 4_096,
		InputPerMTok: 0.50, OutputPerMTok: 1.50, Quality: 0.62,
	},
	{
		ModelID: "text-embedding-3-small", Family: "text-embedding-3",
		Capabilities:  llm.Caps(llm.CapEmbedding),
		ContextTokens: 8_191,
		InputPerMTok:  0.02, Quality: 0.70,
	},
	{
		ModelID: "text-embedding-3-large", Family: "text-embedding-3",
		Capabilities:  llm.Caps(llm.CapEmbedding),
		ContextTokens: 8_191,
		InputPerMTok:  0.13, Quality: 0.80,
	},
})

// Adapter talks to the OpenAI API through the official SDK.
type Adapter struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates an OpenAI Adapter. apiKey is the default credential; callers
// with their own keys override it per invocation.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	httpClient := adapters.NewHTTPClient()
	if a.baseURL != "" && a.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(httpClient.Transport, a.baseURL)
	}

	a.client = openaiSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(httpClient),
	)
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Info() adapters.Info {
	return adapters.Info{
		Name:        providerName,
		Version:     apiVersion,
		Features:    catalog.Features(),
		CatalogHash: catalog.Hash(),
		Status:      "ready",
	}
}

func (a *Adapter) Load(ctx context.Context, spec adapters.LoadSpec) (*llm.ModelDescriptor, error) {
	entry, ok := catalog.Lookup(spec.ModelID)
	if !ok {
		return nil, llm.Errorf(llm.KindNotFound, "openai: model %q not in catalog", spec.ModelID)
	}
	return entry.Descriptor(providerName), nil
}

// Unload is a no-op: remote models hold no local resources.
func (a *Adapter) Unload(ctx context.Context, descriptorID string) error { return nil }

func (a *Adapter) Complete(ctx context.Context, inv *adapters.Invocation) (*llm.Response, error) {
	params := buildParams(inv)
	opts, err := a.requestOptions(inv.Credential)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	text := ""
	finish := llm.FinishStop
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		finish = finishReason(resp.Choices[0].FinishReason)
	}

	usage := llm.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	usage.Normalize()

	return &llm.Response{
		Text:         text,
		Usage:        usage,
		Cost:         cost(inv, usage),
		LatencyMs:    time.Since(start).Milliseconds(),
		Model:        resp.Model,
		Provider:     providerName,
		FinishReason: finish,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, inv *adapters.Invocation) (<-chan llm.StreamChunk, error) {
	params := buildParams(inv)
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}
	opts, err := a.requestOptions(inv.Credential)
	if err != nil {
		return nil, err
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	ch := make(chan llm.StreamChunk, 64)

	go func() {
		defer close(ch)

		var (
			idx    int
			usage  llm.Usage
			finish llm.FinishReason
		)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = llm.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				ch <- llm.StreamChunk{Delta: c.Delta.Content, Index: idx}
				idx++
			}
			if c.FinishReason != "" {
				finish = finishReason(c.FinishReason)
			}
		}

		if err := stream.Err(); err != nil {
			ch <- llm.StreamChunk{
				Index:        idx,
				Done:         true,
				FinishReason: llm.FinishError,
				Err:          toProviderError(err),
			}
			return
		}

		if finish == "" {
			finish = llm.FinishStop
		}
		last := llm.StreamChunk{Index: idx, Done: true, FinishReason: finish}
		if usage.TotalTokens > 0 {
			u := usage
			last.Usage = &u
		}
		ch <- last
	}()

	return ch, nil
}

// ListModels returns the live model listing, enriched from the catalog. On
// upstream failure the static catalog serves as the fallback.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelSummary, error) {
	page, err := a.client.Models.List(ctx)
	if err != nil {
		return catalog.Summaries(providerName), nil
	}

	out := make([]llm.ModelSummary, 0, len(page.Data))
	for _, m := range page.Data {
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
	return out, nil
}

// Embed implements adapters.Embedder.
func (a *Adapter) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	opts, err := a.requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Embeddings.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}

	usage := llm.Usage{
		PromptTokens: int(resp.Usage.PromptTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	usage.Normalize()

	var embedCost float64
	if e, ok := catalog.Lookup(req.Model); ok {
		embedCost = llm.Pricing{InputPerMTok: e.InputPerMTok}.Cost(usage)
	}

	return &llm.EmbeddingResponse{
		Vectors:  vectors,
		Usage:    usage,
		Model:    resp.Model,
		Provider: providerName,
		Cost:     embedCost,
	}, nil
}

// HealthProbe implements adapters.HealthProber.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx); err != nil {
		return toProviderError(err)
	}
	return nil
}

func buildParams(inv *adapters.Invocation) openaiSDK.ChatCompletionNewParams {
	req := inv.Request
	messages := req.CanonicalMessages()

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, toSDKMessage(string(m.Role), m.Text()))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    modelOf(inv),
	}

	o := req.Options
	if o.Temperature != nil {
		params.Temperature = openaiSDK.Float(*o.Temperature)
	}
	if o.TopP != nil {
		params.TopP = openaiSDK.Float(*o.TopP)
	}
	if o.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(o.MaxTokens))
	}
	if o.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(*o.FrequencyPenalty)
	}
	if o.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(*o.PresencePenalty)
	}
	if o.Seed != nil {
		params.Seed = openaiSDK.Int(int64(*o.Seed))
	}
	if rf := o.ResponseFormat; rf != nil && rf.Kind == "json" {
		params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openaiSDK.ResponseFormatJSONObjectParam{},
		}
	}

	return params
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

func (a *Adapter) requestOptions(credential string) ([]option.RequestOption, error) {
	key := credential
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, llm.Errorf(llm.KindAuth, "openai: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
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

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &adapters.ProviderError{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

// baseURLTransport rewrites request scheme/host (and path prefix) so the SDK
// can be pointed at a test server without touching its URL construction.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
