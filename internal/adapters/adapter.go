// Package adapters defines the provider adapter contract: the interface every
// upstream integration implements, the invocation envelope the pipeline hands
// to adapters, and the shared transport and SSE plumbing used by the raw-HTTP
// implementations.
//
// Each provider lives in its own sub-package. Adapters that support vector
// embeddings additionally implement Embedder; adapters with a cheap liveness
// endpoint implement HealthProber. Check with a type assertion before calling.
package adapters

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// Info describes an adapter for listings and health output.
type Info struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Features    llm.CapabilitySet `json:"features"`
	CatalogHash string            `json:"catalog_hash,omitempty"`
	Status      string            `json:"status"`
}

// LoadSpec identifies a model to register. Options carry adapter-specific
// extras such as the weight-file path for the local adapter.
type LoadSpec struct {
	Provider string            `json:"provider"`
	ModelID  string            `json:"model_id"`
	Options  map[string]string `json:"options,omitempty"`
}

// Invocation is the envelope the pipeline hands to Complete and Stream: the
// normalized request, the target descriptor, and the resolved credential.
// Credential is the caller's own key when one is configured, otherwise empty
// and the adapter falls back to its configured default.
type Invocation struct {
	Request    *llm.Request
	Descriptor *llm.ModelDescriptor
	Credential string
}

// Adapter is the provider integration contract. Implementations never leak
// SDK types; failures surface as *ProviderError values the pipeline
// classifies into the error taxonomy.
type Adapter interface {
	Name() string
	Info() Info
	Load(ctx context.Context, spec LoadSpec) (*llm.ModelDescriptor, error)
	Complete(ctx context.Context, inv *Invocation) (*llm.Response, error)
	Stream(ctx context.Context, inv *Invocation) (<-chan llm.StreamChunk, error)
	ListModels(ctx context.Context) ([]llm.ModelSummary, error)
	Unload(ctx context.Context, descriptorID string) error
}

// Embedder is an optional interface for adapters that serve the embeddings
// API.
type Embedder interface {
	Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error)
}

// HealthProber is an optional interface for adapters with a cheap
// authenticated liveness check.
type HealthProber interface {
	HealthProbe(ctx context.Context) error
}

// ProviderError is the normalized upstream failure. StatusCode is the HTTP
// status the provider returned (0 for transport errors); Type and Code carry
// the provider's own error taxonomy when present.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements llm.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// Errf builds a ProviderError for transport-level failures with no upstream
// status.
func Errf(provider string, format string, args ...any) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Message:  fmt.Sprintf(format, args...),
		Type:     "provider_error",
	}
}
