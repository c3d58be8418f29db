// Package openaicompat provides a configurable adapter for any service that
// implements the OpenAI chat completions API. Named constructors cover the
// hosted services the router ships catalogs for (Groq, DeepSeek, OpenRouter,
// Novita, xAI, Together AI, Cerebras); New builds an instance for anything
// else.
package openaicompat

import (
	"context"
	"errors"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

var chatCaps = llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming)

// instanceDefaults is the shipped configuration for a known compatible
// service: its public endpoint and the models we carry pricing for.
type instanceDefaults struct {
	baseURL string
	entries []adapters.CatalogEntry
}

var instances = map[string]instanceDefaults{
	"groq": {
		baseURL: "https://api.groq.com/openai/v1",
		entries: []adapters.CatalogEntry{
			{ModelID: "llama-3.3-70b-versatile", Family: "llama-3.3", Capabilities: chatCaps,
				ContextTokens: 131_072, MaxOutput: 32_768, InputPerMTok: 0.59, OutputPerMTok: 0.79, Quality: 0.74},
			{ModelID: "llama-3.1-8b-instant", Family: "llama-3.1", Capabilities: chatCaps,
				ContextTokens: 131_072, MaxOutput: 8_192, InputPerMTok: 0.05, OutputPerMTok: 0.08, Quality: 0.60},
			{ModelID: "gemma2-9b-it", Family: "gemma2", Capabilities: chatCaps,
				ContextTokens: 8_192, MaxOutput: 8_192, InputPerMTok: 0.20, OutputPerMTok: 0.20, Quality: 0.55},
		},
	},
	"deepseek": {
		baseURL: "https://api.deepseek.com/v1",
		entries: []adapters.CatalogEntry{
			{ModelID: "deepseek-chat", Family: "deepseek-v3", Capabilities: chatCaps,
				ContextTokens: 65_536, MaxOutput: 8_192, InputPerMTok: 0.27, OutputPerMTok: 1.10, Quality: 0.80},
			{ModelID: "deepseek-reasoner", Family: "deepseek-r1", Capabilities: chatCaps,
				ContextTokens: 65_536, MaxOutput: 65_536, InputPerMTok: 0.55, OutputPerMTok: 2.19, Quality: 0.85},
		},
	},
	"openrouter": {
		baseURL: "https://openrouter.ai/api/v1",
		entries: []adapters.CatalogEntry{
			{ModelID: "openai/gpt-4o", Family: "gpt-4o", Capabilities: chatCaps,
				ContextTokens: 128_000, MaxOutput: 16_384, InputPerMTok: 2.50, OutputPerMTok: 10.00, Quality: 0.89},
			{ModelID: "anthropic/claude-3.5-sonnet", Family: "claude-3.5", Capabilities: chatCaps,
				ContextTokens: 200_000, MaxOutput: 8_192, InputPerMTok: 3.00, OutputPerMTok: 15.00, Quality: 0.88},
			{ModelID: "meta-llama/llama-3.3-70b-instruct", Family: "llama-3.3", Capabilities: chatCaps,
				ContextTokens: 131_072, MaxOutput: 16_384, InputPerMTok: 0.30, OutputPerMTok: 0.40, Quality: 0.73},
		},
	},
	"novita": {
		baseURL: "https://api.novita.ai/v3/openai",
		entries: []adapters.CatalogEntry{
			{ModelID: "meta-llama/llama-3.3-70b-instruct", Family: "llama-3.3", Capabilities: chatCaps,
				ContextTokens: 131_072, MaxOutput: 16_384, InputPerMTok: 0.39, OutputPerMTok: 0.39, Quality: 0.72},
			{ModelID: "deepseek/deepseek-r1", Family: "deepseek-r1", Capabilities: chatCaps,
				ContextTokens: 64_000, MaxOutput: 16_384, InputPerMTok: 0.70, OutputPerMTok: 2.50, Quality: 0.82},
		},
	},
	"xai": {
		baseURL: "https://api.x.ai/v1",
		entries: []adapters.CatalogEntry{
			{ModelID: "grok-3", Family: "grok-3", Capabilities: chatCaps,
				ContextTokens: 131_072, MaxOutput: 16_384, InputPerMTok: 3.00, OutputPerMTok: 15.00, Quality: 0.87},
			{ModelID: "grok-3-mini", Family: "grok-3", Capabilities: chatCaps,
				ContextTokens: 131_072, MaxOutput: 16_384, InputPerMTok: 0.30, OutputPerMTok: 0.50, Quality: 0.72},
		},
	},
	"together": {
		baseURL: "https://api.together.xyz/v1",
		entries: []adapters.CatalogEntry{
			{ModelID: "meta-llama/Llama-3.3-70B-Instruct-Turbo", Family: "llama-3.3", Capabilities: chatCaps,
				ContextTokens: 131_072, MaxOutput: 16_384, InputPerMTok: 0.88, OutputPerMTok: 0.88, Quality: 0.75},
			{ModelID: "Qwen/Qwen2.5-72B-Instruct-Turbo", Family: "qwen2.5", Capabilities: chatCaps,
				ContextTokens: 131_072, MaxOutput: 8_192, InputPerMTok: 1.20, OutputPerMTok: 1.20, Quality: 0.76},
			{ModelID: "deepseek-ai/DeepSeek-R1", Family: "deepseek-r1", Capabilities: chatCaps,
				ContextTokens: 163_840, MaxOutput: 16_384, InputPerMTok: 3.00, OutputPerMTok: 7.00, Quality: 0.84},
		},
	},
	"cerebras": {
		baseURL: "https://api.cerebras.ai/v1",
		entries: []adapters.CatalogEntry{
			{ModelID: "llama3.1-8b", Family: "llama-3.1", Capabilities: chatCaps,
				ContextTokens: 32_768, MaxOutput: 8_192, InputPerMTok: 0.10, OutputPerMTok: 0.10, Quality: 0.60},
			{ModelID: "llama3.3-70b", Family: "llama-3.3", Capabilities: chatCaps,
				ContextTokens: 131_072, MaxOutput: 8_192, InputPerMTok: 0.85, OutputPerMTok: 1.20, Quality: 0.74},
			{ModelID: "qwen-3-32b", Family: "qwen3", Capabilities: chatCaps,
				ContextTokens: 32_768, MaxOutput: 8_192, InputPerMTok: 0.40, OutputPerMTok: 0.80, Quality: 0.70},
		},
	},
}

// Adapter is one named OpenAI-compatible upstream.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	catalog *adapters.Catalog
	client  openaiSDK.Client
}

// New creates an adapter for an arbitrary OpenAI-compatible service.
//
//   - name    — unique adapter identifier used for routing and logs.
//   - apiKey  — default credential, sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, apiKey, baseURL string) *Adapter {
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		catalog: adapters.NewCatalog(nil),
	}
	if d, ok := instances[name]; ok {
		if a.baseURL == "" {
			a.baseURL = d.baseURL
		}
		a.catalog = adapters.NewCatalog(d.entries)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(adapters.NewHTTPClient()),
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	a.client = openaiSDK.NewClient(opts...)
	return a
}

// NewGroq returns the adapter for Groq's hosted models.
func NewGroq(apiKey string) *Adapter { return New("groq", apiKey, "") }

// NewDeepSeek returns the adapter for the DeepSeek platform.
func NewDeepSeek(apiKey string) *Adapter { return New("deepseek", apiKey, "") }

// NewOpenRouter returns the adapter for the OpenRouter aggregator.
func NewOpenRouter(apiKey string) *Adapter { return New("openrouter", apiKey, "") }

// NewNovita returns the adapter for Novita AI.
func NewNovita(apiKey string) *Adapter { return New("novita", apiKey, "") }

// NewXAI returns the adapter for xAI (Grok).
func NewXAI(apiKey string) *Adapter { return New("xai", apiKey, "") }

// NewTogether returns the adapter for Together AI.
func NewTogether(apiKey string) *Adapter { return New("together", apiKey, "") }

// NewCerebras returns the adapter for Cerebras inference.
func NewCerebras(apiKey string) *Adapter { return New("cerebras", apiKey, "") }

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Info() adapters.Info {
	return adapters.Info{
		Name:        a.name,
		Version:     "v1",
		Features:    a.catalog.Features(),
		CatalogHash: a.catalog.Hash(),
		Status:      "ready",
	}
}

func (a *Adapter) Load(ctx context.Context, spec adapters.LoadSpec) (*llm.ModelDescriptor, error) {
	entry, ok := a.catalog.Lookup(spec.ModelID)
	if !ok {
		return nil, llm.Errorf(llm.KindNotFound, "%s: model %q not in catalog", a.name, spec.ModelID)
	}
	return entry.Descriptor(a.name), nil
}

// Unload is a no-op: remote models hold no local resources.
func (a *Adapter) Unload(ctx context.Context, descriptorID string) error { return nil }

func (a *Adapter) Complete(ctx context.Context, inv *adapters.Invocation) (*llm.Response, error) {
	params := a.buildParams(inv)
	opts, err := a.requestOptions(inv.Credential)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toProviderError(err)
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
		Cost:         a.cost(inv, usage),
		LatencyMs:    time.Since(start).Milliseconds(),
		Model:        resp.Model,
		Provider:     a.name,
		FinishReason: finish,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, inv *adapters.Invocation) (<-chan llm.StreamChunk, error) {
	params := a.buildParams(inv)
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
			finish llm.FinishReason
		)
		for stream.Next() {
			chunk := stream.Current()
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
				Err:          a.toProviderError(err),
			}
			return
		}

		if finish == "" {
			finish = llm.FinishStop
		}
		ch <- llm.StreamChunk{Index: idx, Done: true, FinishReason: finish}
	}()

	return ch, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelSummary, error) {
	page, err := a.client.Models.List(ctx)
	if err != nil {
		return a.catalog.Summaries(a.name), nil
	}

	out := make([]llm.ModelSummary, 0, len(page.Data))
	for _, m := range page.Data {
		s := llm.ModelSummary{
			ID:       llm.DescriptorID(a.name, m.ID),
			Provider: a.name,
			ModelID:  m.ID,
		}
		if e, ok := a.catalog.Lookup(m.ID); ok {
			s.Capabilities = e.Capabilities
			s.ContextTokens = e.ContextTokens
		}
		out = append(out, s)
	}
	return out, nil
}

// HealthProbe implements adapters.HealthProber.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	if _, err := a.client.Models.List(ctx); err != nil {
		return a.toProviderError(err)
	}
	return nil
}

func (a *Adapter) buildParams(inv *adapters.Invocation) openaiSDK.ChatCompletionNewParams {
	req := inv.Request
	messages := req.CanonicalMessages()

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, toSDKMessage(string(m.Role), m.Text()))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    a.modelOf(inv),
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
	if o.Seed != nil {
		params.Seed = openaiSDK.Int(int64(*o.Seed))
	}

	return params
}

func (a *Adapter) modelOf(inv *adapters.Invocation) string {
	if inv.Descriptor != nil && inv.Descriptor.ModelID != "" {
		return inv.Descriptor.ModelID
	}
	return inv.Request.ModelHint
}

func (a *Adapter) cost(inv *adapters.Invocation, u llm.Usage) float64 {
	if inv.Descriptor != nil {
		return inv.Descriptor.Pricing.Cost(u)
	}
	if e, ok := a.catalog.Lookup(a.modelOf(inv)); ok {
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
		return nil, llm.Errorf(llm.KindAuth, "%s: no API key configured", a.name)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func (a *Adapter) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &adapters.ProviderError{
			Provider:   a.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "provider_error",
		}
	}
	return err
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

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch role {
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
