package adapters

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// CatalogEntry is one model in an adapter's static catalog: pricing, limits,
// capabilities, and the quality score used for ranking. Catalogs back Load
// and serve as the ListModels fallback when a provider has no live listing
// endpoint.
type CatalogEntry struct {
	ModelID       string
	Family        string
	Capabilities  llm.CapabilitySet
	ContextTokens int
	MaxOutput     int
	InputPerMTok  float64
	OutputPerMTok float64
	Quality       float64
}

// Descriptor builds a registry descriptor for this entry under provider,
// with status ready.
func (e CatalogEntry) Descriptor(provider string) *llm.ModelDescriptor {
	return &llm.ModelDescriptor{
		ID:           llm.DescriptorID(provider, e.ModelID),
		Provider:     provider,
		ModelID:      e.ModelID,
		Family:       e.Family,
		Capabilities: e.Capabilities,
		Limits: llm.Limits{
			ContextTokens:   e.ContextTokens,
			MaxOutputTokens: e.MaxOutput,
		},
		Pricing: llm.Pricing{
			InputPerMTok:  e.InputPerMTok,
			OutputPerMTok: e.OutputPerMTok,
		},
		Quality:   e.Quality,
		Status:    llm.StatusReady,
		CreatedAt: time.Now().UTC(),
	}
}

// Catalog is an ordered model catalog with entry lookup by model id.
type Catalog struct {
	entries []CatalogEntry
	byID    map[string]CatalogEntry
	hash    string
}

// NewCatalog builds a Catalog and precomputes its content hash.
func NewCatalog(entries []CatalogEntry) *Catalog {
	byID := make(map[string]CatalogEntry, len(entries))
	h := sha256.New()
	for _, e := range entries {
		byID[e.ModelID] = e
		fmt.Fprintf(h, "%s|%d|%d|%g|%g|%g\n",
			e.ModelID, e.ContextTokens, e.MaxOutput, e.InputPerMTok, e.OutputPerMTok, e.Quality)
	}
	return &Catalog{
		entries: entries,
		byID:    byID,
		hash:    hex.EncodeToString(h.Sum(nil))[:12],
	}
}

// Lookup returns the entry for modelID.
func (c *Catalog) Lookup(modelID string) (CatalogEntry, bool) {
	e, ok := c.byID[modelID]
	return e, ok
}

// Hash is a short digest of the catalog contents, surfaced in Info so
// operators can tell pricing-table revisions apart.
func (c *Catalog) Hash() string { return c.hash }

// Summaries lists the catalog as ModelSummary values for provider.
func (c *Catalog) Summaries(provider string) []llm.ModelSummary {
	out := make([]llm.ModelSummary, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, llm.ModelSummary{
			ID:            llm.DescriptorID(provider, e.ModelID),
			Provider:      provider,
			ModelID:       e.ModelID,
			Capabilities:  e.Capabilities,
			ContextTokens: e.ContextTokens,
		})
	}
	return out
}

// Features is the union of all entry capabilities, for Info.
func (c *Catalog) Features() llm.CapabilitySet {
	var all []llm.Capability
	for _, e := range c.entries {
		all = append(all, e.Capabilities...)
	}
	return llm.Caps(all...)
}
