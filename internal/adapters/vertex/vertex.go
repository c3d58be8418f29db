// Package vertex implements the Google Vertex AI adapter on the
// google.golang.org/genai SDK with the Vertex backend. Authentication uses
// Application Default Credentials — a service-account key file through
// GOOGLE_APPLICATION_CREDENTIALS, or Workload Identity on GCP — so no API key
// is carried here and per-invocation credential overrides do not apply.
package vertex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

const (
	providerName    = "vertex"
	defaultLocation = "us-central1"
)

var chatCaps = llm.Caps(
	llm.CapChat, llm.CapText, llm.CapStreaming,
	llm.CapToolUse, llm.CapFunctionCalling, llm.CapJSONMode, llm.CapVision,
)

var catalog = adapters.NewCatalog([]adapters.CatalogEntry{
	{
		ModelID: "gemini-2.5-pro", Family: "gemini-2.5",
		Capabilities:  chatCaps,
		ContextTokens: 1_048_576, MaxOutput: 65_536,
		InputPerMTok: 1.25, OutputPerMTok: 10.00, Quality: 0.94,
	},
	{
		ModelID: "gemini-2.5-flash", Family: "gemini-2.5",
		Capabilities:  chatCaps,
		ContextTokens: 1_048_576, MaxOutput: 65_536,
		InputPerMTok: 0.30, OutputPerMTok: 2.50, Quality: 0.85,
	},
	{
		ModelID: "gemini-2.5-flash-lite", Family: "gemini-2.5",
		Capabilities:  chatCaps,
		ContextTokens: 1_048_576, MaxOutput: 65_536,
		InputPerMTok: 0.10, OutputPerMTok: 0.40, Quality: 0.74,
	},
	{
		ModelID: "text-embedding-005", Family: "text-embedding",
		Capabilities:  llm.Caps(llm.CapEmbedding),
		ContextTokens: 2_048,
		InputPerMTok:  0.025, Quality: 0.78,
	},
})

// Adapter talks to Vertex AI through the genai SDK.
type Adapter struct {
	project  string
	location string
	client   *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLocation overrides the default Vertex AI region.
func WithLocation(loc string) Option {
	return func(a *Adapter) { a.location = loc }
}

// New creates a Vertex AI Adapter. Auth is resolved via Application Default
// Credentials — no API key needed.
func New(ctx context.Context, project string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		project:  project,
		location: defaultLocation,
	}
	for _, o := range opts {
		o(a)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  a.project,
		Location: a.location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("vertex: create client: %w", err)
	}

	a.client = client
	return a, nil
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
		return nil, llm.Errorf(llm.KindNotFound, "vertex: model %q not in catalog", spec.ModelID)
	}
	return entry.Descriptor(providerName), nil
}

// Unload is a no-op: remote models hold no local resources.
func (a *Adapter) Unload(ctx context.Context, descriptorID string) error { return nil }

func (a *Adapter) Complete(ctx context.Context, inv *adapters.Invocation) (*llm.Response, error) {
	contents, cfg := buildContentsAndConfig(inv.Request)

	start := time.Now()
	resp, err := a.client.Models.GenerateContent(ctx, modelOf(inv), contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	text := ""
	finish := llm.FinishStop
	if resp != nil {
		text = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = finishReason(resp.Candidates[0].FinishReason)
		}
	}

	var usage llm.Usage
	if resp != nil && resp.UsageMetadata != nil {
		usage = llm.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	usage.Normalize()

	return &llm.Response{
		Text:         text,
		Usage:        usage,
		Cost:         cost(inv, usage),
		LatencyMs:    time.Since(start).Milliseconds(),
		Model:        modelOf(inv),
		Provider:     providerName,
		FinishReason: finish,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, inv *adapters.Invocation) (<-chan llm.StreamChunk, error) {
	contents, cfg := buildContentsAndConfig(inv.Request)
	ch := make(chan llm.StreamChunk, 64)

	go func() {
		defer close(ch)

		var (
			idx    int
			usage  llm.Usage
			finish llm.FinishReason
		)
		for resp, err := range a.client.Models.GenerateContentStream(ctx, modelOf(inv), contents, cfg) {
			if err != nil {
				ch <- llm.StreamChunk{
					Index:        idx,
					Done:         true,
					FinishReason: llm.FinishError,
					Err:          toProviderError(err),
				}
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage = llm.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			if text := candidateText(c); text != "" {
				ch <- llm.StreamChunk{Delta: text, Index: idx}
				idx++
			}
			if c.FinishReason != "" {
				finish = finishReason(c.FinishReason)
			}
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
	page, err := a.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return catalog.Summaries(providerName), nil
	}

	out := make([]llm.ModelSummary, 0, len(page.Items))
	for _, m := range page.Items {
		if m == nil {
			continue
		}
		id := shortModelID(m.Name)
		s := llm.ModelSummary{
			ID:       llm.DescriptorID(providerName, id),
			Provider: providerName,
			ModelID:  id,
		}
		if e, ok := catalog.Lookup(id); ok {
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

// Embed implements adapters.Embedder through the EmbedContent endpoint.
func (a *Adapter) Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	contents := make([]*genai.Content, 0, len(req.Input))
	for _, in := range req.Input {
		contents = append(contents, genai.NewContentFromText(in, genai.RoleUser))
	}

	resp, err := a.client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, toProviderError(err)
	}

	vectors := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		if e == nil {
			continue
		}
		vectors = append(vectors, e.Values)
	}

	return &llm.EmbeddingResponse{
		Vectors:  vectors,
		Model:    req.Model,
		Provider: providerName,
	}, nil
}

// HealthProbe implements adapters.HealthProber.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return toProviderError(err)
	}
	return nil
}

// buildContentsAndConfig lifts system messages into SystemInstruction and
// maps the remaining turns onto user/model contents.
func buildContentsAndConfig(req *llm.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	messages := req.CanonicalMessages()
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Text()
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Text(), genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Text(), genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}

	o := req.Options
	if o.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*o.Temperature))
	}
	if o.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*o.TopP))
	}
	if o.TopK != nil {
		cfg.TopK = genai.Ptr(float32(*o.TopK))
	}
	if o.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(o.MaxTokens)
	}
	if len(o.StopSequences) > 0 {
		cfg.StopSequences = o.StopSequences
	}
	if rf := o.ResponseFormat; rf != nil && rf.Kind == "json" {
		cfg.ResponseMIMEType = "application/json"
	}

	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
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

// shortModelID strips the resource path prefix from a full model name, e.g.
// "publishers/google/models/gemini-2.5-pro" → "gemini-2.5-pro".
func shortModelID(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func finishReason(fr genai.FinishReason) llm.FinishReason {
	switch fr {
	case genai.FinishReasonMaxTokens:
		return llm.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return llm.FinishSafety
	default:
		return llm.FinishStop
	}
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &adapters.ProviderError{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       "vertex_error",
		}
	}
	return err
}
