// Package anthropic implements the Anthropic adapter on the official Go SDK.
// System messages are lifted into the top-level system field and streaming
// accumulates the SDK's typed events into ordered text deltas.
package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

const (
	providerName   = "anthropic"
	apiVersion     = "2023-06-01"
	defaultBaseURL = "https://api.anthropic.com"

	// The Messages API requires max_tokens; used when the caller sets none.
	defaultMaxTokens = 4096
)

var chatCaps = llm.Caps(
	llm.CapChat, llm.CapText, llm.CapStreaming,
	llm.CapToolUse, llm.CapFunctionCalling, llm.CapVision,
)

var catalog = adapters.NewCatalog([]adapters.CatalogEntry{
	{
		ModelID: "claude-opus-4-1", Family: "claude-opus",
		Capabilities:  chatCaps,
		ContextTokens: 200_000, MaxOutput: 32_000,
		InputPerMTok: 15.00, OutputPerMTok: 75.00, Quality: 0.96,
	},
	{
		ModelID: "claude-sonnet-4-5", Family: "claude-sonnet",
		Capabilities:  chatCaps,
		ContextTokens: 200_000, MaxOutput: 64_000,
		InputPerMTok: 3.00, OutputPerMTok: 15.00, Quality: 0.93,
	},
	{
		ModelID: "claude-haiku-4-5", Family: "claude-haiku",
		Capabilities:  chatCaps,
		ContextTokens: 200_000, MaxOutput: 64_000,
		InputPerMTok: 1.00, OutputPerMTok: 5.00, Quality: 0.83,
	},
	{
		ModelID: "claude-3-5-haiku-latest", Family: "claude-haiku",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming, llm.CapToolUse),
		ContextTokens: 200_000, MaxOutput: 8_192,
		InputPerMTok: 0.80, OutputPerMTok: 4.00, Quality: 0.71,
	},
})

// Adapter talks to the Anthropic Messages API through the official SDK.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropicSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates an Anthropic Adapter. apiKey is the default credential; callers
// with their own keys override it per invocation.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropicSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(adapters.NewHTTPClient()),
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
		return nil, llm.Errorf(llm.KindNotFound, "anthropic: model %q not in catalog", spec.ModelID)
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
	msg, err := a.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	usage := llm.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	usage.Normalize()

	return &llm.Response{
		Text:         sb.String(),
		Usage:        usage,
		Cost:         cost(inv, usage),
		LatencyMs:    time.Since(start).Milliseconds(),
		Model:        string(msg.Model),
		Provider:     providerName,
		FinishReason: finishReason(string(msg.StopReason)),
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, inv *adapters.Invocation) (<-chan llm.StreamChunk, error) {
	params := buildParams(inv)
	opts, err := a.requestOptions(inv.Credential)
	if err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params, opts...)
	ch := make(chan llm.StreamChunk, 64)

	go func() {
		defer close(ch)

		var (
			idx    int
			usage  llm.Usage
			finish llm.FinishReason
		)
		for stream.Next() {
			ev := stream.Current()

			switch event := ev.AsAny().(type) {
			case anthropicSDK.MessageStartEvent:
				usage.PromptTokens = int(event.Message.Usage.InputTokens)
			case anthropicSDK.ContentBlockDeltaEvent:
				switch delta := event.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if delta.Text != "" {
						ch <- llm.StreamChunk{Delta: delta.Text, Index: idx}
						idx++
					}
				case *anthropicSDK.TextDelta:
					if delta.Text != "" {
						ch <- llm.StreamChunk{Delta: delta.Text, Index: idx}
						idx++
					}
				}
			case anthropicSDK.MessageDeltaEvent:
				// Cumulative output tokens plus the terminal stop reason.
				usage.CompletionTokens = int(event.Usage.OutputTokens)
				if event.Delta.StopReason != "" {
					finish = finishReason(string(event.Delta.StopReason))
				}
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
		usage.Normalize()
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
	page, err := a.client.Models.List(ctx, anthropicSDK.ModelListParams{})
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

// HealthProbe implements adapters.HealthProber.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return toProviderError(err)
	}
	return nil
}

// buildParams lifts system/developer messages into the system field and maps
// the rest onto user/assistant turns.
func buildParams(inv *adapters.Invocation) anthropicSDK.MessageNewParams {
	req := inv.Request
	messages := req.CanonicalMessages()

	var systemPrompt string
	msgs := make([]anthropicSDK.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Text()
			continue
		}
		msgs = append(msgs, toSDKMessage(string(m.Role), m.Text()))
	}

	maxTokens := int64(req.Options.MaxTokens)
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(modelOf(inv)),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	o := req.Options
	if o.Temperature != nil {
		params.Temperature = anthropicSDK.Float(*o.Temperature)
	}
	if o.TopP != nil {
		params.TopP = anthropicSDK.Float(*o.TopP)
	}
	if o.TopK != nil {
		params.TopK = anthropicSDK.Int(int64(*o.TopK))
	}
	if len(o.StopSequences) > 0 {
		params.StopSequences = o.StopSequences
	}

	return params
}

func toSDKMessage(role, content string) anthropicSDK.MessageParam {
	r := anthropicSDK.MessageParamRoleUser
	if strings.EqualFold(role, "assistant") {
		r = anthropicSDK.MessageParamRoleAssistant
	}
	return anthropicSDK.MessageParam{
		Role: r,
		Content: []anthropicSDK.ContentBlockParamUnion{
			{OfText: &anthropicSDK.TextBlockParam{Text: content}},
		},
	}
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
		return nil, llm.Errorf(llm.KindAuth, "anthropic: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func finishReason(s string) llm.FinishReason {
	switch s {
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolUse
	case "refusal":
		return llm.FinishSafety
	default:
		return llm.FinishStop
	}
}

func toProviderError(err error) error {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		return &adapters.ProviderError{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
