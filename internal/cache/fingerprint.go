package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// Key addresses one cached response. Exact identifies the full request;
// Variant identifies the request shape without its messages, so the semantic
// tier only matches entries produced under the same model and the same
// output-affecting options.
type Key struct {
	Exact   string
	Variant string
}

// fpMessage is the normalized message shape that feeds the fingerprint:
// role, whitespace-trimmed text, and any image references.
type fpMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
	Name    string   `json:"name,omitempty"`
}

// fpPayload is the canonical tuple hashed into the exact fingerprint. Field
// order is fixed by the struct and map keys are sorted by encoding/json, so
// equal requests always marshal to identical bytes.
type fpPayload struct {
	Provider       string              `json:"provider"`
	ModelID        string              `json:"model_id"`
	Messages       []fpMessage         `json:"messages,omitempty"`
	Temperature    *float64            `json:"temperature,omitempty"`
	TopP           *float64            `json:"top_p,omitempty"`
	TopK           *int                `json:"top_k,omitempty"`
	MaxTokens      uint32              `json:"max_tokens,omitempty"`
	Stop           []string            `json:"stop,omitempty"`
	ResponseFormat *llm.ResponseFormat `json:"response_format,omitempty"`
	Seed           *uint64             `json:"seed,omitempty"`
	Tools          []llm.ToolSchema    `json:"tools,omitempty"`
}

// NewKey fingerprints a request against the model that will serve it. A bare
// prompt and its single-user-message equivalent produce the same key.
func NewKey(provider, modelID string, req *llm.Request) Key {
	payload := fpPayload{
		Provider:       strings.ToLower(provider),
		ModelID:        modelID,
		Temperature:    req.Options.Temperature,
		TopP:           req.Options.TopP,
		TopK:           req.Options.TopK,
		MaxTokens:      req.Options.MaxTokens,
		Stop:           req.Options.StopSequences,
		ResponseFormat: req.Options.ResponseFormat,
		Seed:           req.Options.Seed,
		Tools:          req.Options.Tools,
	}

	for _, m := range req.CanonicalMessages() {
		fm := fpMessage{
			Role:    string(m.Role),
			Content: strings.TrimSpace(m.Text()),
			Name:    m.Name,
		}
		for _, p := range m.Parts {
			if p.Kind == "image_url" && p.URL != "" {
				fm.Images = append(fm.Images, p.URL)
			}
		}
		payload.Messages = append(payload.Messages, fm)
	}

	exact := digest(payload)
	payload.Messages = nil
	variant := digest(payload)
	return Key{Exact: exact, Variant: variant}
}

func digest(payload fpPayload) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Only unmarshalable tool parameters can land here; fall back to a
		// tools-free payload so the request still gets a stable key.
		payload.Tools = nil
		raw, _ = json.Marshal(payload)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
