package llm

import (
	"sort"
	"time"
)

// Capability is one feature a model supports.
type Capability string

const (
	CapText            Capability = "text"
	CapChat            Capability = "chat"
	CapEmbedding       Capability = "embedding"
	CapVision          Capability = "vision"
	CapToolUse         Capability = "tool_use"
	CapFunctionCalling Capability = "function_calling"
	CapJSONMode        Capability = "json_mode"
	CapStreaming       Capability = "streaming"
	CapRerank          Capability = "rerank"
	CapImageGen        Capability = "image_gen"
	CapVideoGen        Capability = "video_gen"
	CapSpeech          Capability = "speech"
)

// CapabilitySet is a deduplicated, sorted capability list. Sorting keeps
// JSON output and set comparisons deterministic.
type CapabilitySet []Capability

// Caps builds a CapabilitySet from the given capabilities.
func Caps(cs ...Capability) CapabilitySet {
	seen := make(map[Capability]struct{}, len(cs))
	out := make(CapabilitySet, 0, len(cs))
	for _, c := range cs {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	for _, x := range s {
		if x == c {
			return true
		}
	}
	return false
}

// Covers reports whether the set is a superset of want.
func (s CapabilitySet) Covers(want CapabilitySet) bool {
	for _, c := range want {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// ModelStatus is the registry-visible lifecycle state of a model.
type ModelStatus string

const (
	StatusLoading  ModelStatus = "loading"
	StatusReady    ModelStatus = "ready"
	StatusDegraded ModelStatus = "degraded"
	StatusUnloaded ModelStatus = "unloaded"
	StatusErrored  ModelStatus = "errored"
)

// Limits are the token bounds of a model.
type Limits struct {
	ContextTokens   int `json:"context_tokens"`
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`
}

// Pricing is the per-model price table in USD.
type Pricing struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
	PerImage      float64 `json:"per_image,omitempty"`
	PerSecond     float64 `json:"per_second,omitempty"`
}

// Cost computes the dollar cost of the given usage against this table.
func (p Pricing) Cost(u Usage) float64 {
	return (float64(u.PromptTokens)*p.InputPerMTok + float64(u.CompletionTokens)*p.OutputPerMTok) / 1_000_000
}

// ModelDescriptor is a registry entry for one loaded model. CurrentLoad and
// RecentLatencyMs are mutated only through the registry; descriptors handed
// out by the registry are copies.
type ModelDescriptor struct {
	ID              string            `json:"id"` // "provider:modelId"
	Provider        string            `json:"provider"`
	ModelID         string            `json:"model_id"`
	Family          string            `json:"family,omitempty"`
	Capabilities    CapabilitySet     `json:"capabilities"`
	Limits          Limits            `json:"limits"`
	Pricing         Pricing           `json:"pricing"`
	Quality         float64           `json:"quality"`
	CurrentLoad     int64             `json:"current_load"`
	RecentLatencyMs float64           `json:"recent_latency_ms"`
	Status          ModelStatus       `json:"status"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// DescriptorID builds the registry id for a provider-local model id.
func DescriptorID(provider, modelID string) string {
	return provider + ":" + modelID
}

// Available reports whether the model may serve traffic.
func (d *ModelDescriptor) Available() bool {
	return d.Status == StatusReady || d.Status == StatusDegraded
}

// BlendedPricePerMTok is the single-number price used for ranking: input and
// output prices averaged, weighted 1:3 toward output.
func (d *ModelDescriptor) BlendedPricePerMTok() float64 {
	return (d.Pricing.InputPerMTok + 3*d.Pricing.OutputPerMTok) / 4
}

// EstimatedCost prices a request before dispatch from the prompt estimate and
// the output cap.
func (d *ModelDescriptor) EstimatedCost(estInputTokens, maxTokens int) float64 {
	return (float64(estInputTokens)*d.Pricing.InputPerMTok + float64(maxTokens)*d.Pricing.OutputPerMTok) / 1_000_000
}
