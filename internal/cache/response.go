package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-router/internal/llm"
)

// Stats is the cache scoreboard exposed to observability.
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	SemanticHits int64   `json:"semantic_hits"`
	HitRate      float64 `json:"hit_rate"`
	Entries      int     `json:"entries"`
	CostSavedUSD float64 `json:"cost_saved_usd"`
}

// ResponseCache layers the semantic tier over an exact backend. A nil
// *ResponseCache is a disabled cache: lookups miss, stores are dropped.
type ResponseCache struct {
	backend    Cache
	exclusions *ExclusionList
	policy     TTLPolicy
	embed      EmbedFunc
	index      *semanticIndex
	threshold  float64
	topK       int
	log        *slog.Logger
	now        func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	semHits   atomic.Int64
	costSaved atomic.Uint64
}

// ResponseOption configures a ResponseCache.
type ResponseOption func(*ResponseCache)

// WithExclusions sets the models never cached.
func WithExclusions(el *ExclusionList) ResponseOption {
	return func(c *ResponseCache) { c.exclusions = el }
}

// WithTTLPolicy replaces the per-kind lifetimes.
func WithTTLPolicy(p TTLPolicy) ResponseOption {
	return func(c *ResponseCache) { c.policy = p }
}

// WithSimilarityThreshold sets the minimum cosine similarity for a semantic
// hit. Values outside (0, 1] keep the default.
func WithSimilarityThreshold(t float64) ResponseOption {
	return func(c *ResponseCache) {
		if t > 0 && t <= 1 {
			c.threshold = t
		}
	}
}

// WithTopK bounds how many recent entries a semantic scan examines.
func WithTopK(k int) ResponseOption {
	return func(c *ResponseCache) {
		if k > 0 {
			c.topK = k
		}
	}
}

// WithIndexSize bounds the semantic recency index.
func WithIndexSize(n int) ResponseOption {
	return func(c *ResponseCache) {
		if n > 0 {
			c.index = newSemanticIndex(n)
		}
	}
}

// WithEmbedder replaces the hash-bag embedder.
func WithEmbedder(fn EmbedFunc) ResponseOption {
	return func(c *ResponseCache) {
		if fn != nil {
			c.embed = fn
		}
	}
}

// WithResponseLogger sets the cache logger. Defaults to slog.Default().
func WithResponseLogger(log *slog.Logger) ResponseOption {
	return func(c *ResponseCache) {
		if log != nil {
			c.log = log
		}
	}
}

// WithResponseClock overrides the time source.
func WithResponseClock(now func() time.Time) ResponseOption {
	return func(c *ResponseCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewResponseCache builds the two-tier response cache over backend.
func NewResponseCache(backend Cache, opts ...ResponseOption) *ResponseCache {
	c := &ResponseCache{
		backend:   backend,
		policy:    DefaultTTLPolicy(),
		embed:     HashBagEmbed,
		index:     newSemanticIndex(defaultIndexSize),
		threshold: defaultThreshold,
		topK:      defaultTopK,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Cacheable reports whether responses for model and kind are ever stored.
func (c *ResponseCache) Cacheable(model string, kind Kind) bool {
	if c == nil {
		return false
	}
	if c.exclusions.Matches(model) {
		return false
	}
	return c.policy.For(kind) > 0
}

// Lookup consults the exact tier first and, for non-creative requests, the
// semantic tier. Returned responses are fresh copies annotated Cached=true;
// semantic hits also carry their similarity.
func (c *ResponseCache) Lookup(ctx context.Context, key Key, prompt string, kind Kind) (*llm.Response, bool) {
	if c == nil {
		return nil, false
	}

	if resp := c.fetch(ctx, key.Exact); resp != nil {
		c.hits.Add(1)
		c.addCostSaved(resp.Cost)
		resp.Cached = true
		return resp, true
	}

	if kind != KindCreative {
		vec := c.embed(prompt)
		if hitKey, sim, ok := c.index.scan(key.Variant, vec, c.threshold, c.topK, c.now()); ok {
			if resp := c.fetch(ctx, hitKey); resp != nil {
				c.semHits.Add(1)
				c.addCostSaved(resp.Cost)
				resp.Cached = true
				resp.CacheSimilarity = sim
				c.log.Debug("cache_semantic_hit",
					slog.String("key", hitKey),
					slog.Float64("similarity", sim),
				)
				return resp, true
			}
		}
	}

	c.misses.Add(1)
	return nil, false
}

// Store persists a successful response under key, subject to the model
// exclusion list and the kind's lifetime. Reports whether the entry was
// written.
func (c *ResponseCache) Store(ctx context.Context, key Key, prompt, model string, kind Kind, resp *llm.Response) bool {
	if c == nil || resp == nil {
		return false
	}
	if !c.Cacheable(model, kind) {
		return false
	}
	ttl := c.policy.For(kind)

	// Entries are stored pristine; hit annotations are applied per lookup.
	cp := *resp
	cp.Cached = false
	cp.CacheSimilarity = 0
	data, err := json.Marshal(&cp)
	if err != nil {
		c.log.Warn("cache_marshal_failed", slog.String("error", err.Error()))
		return false
	}
	if err := c.backend.Set(ctx, key.Exact, data, ttl); err != nil {
		c.log.Warn("cache_write_failed", slog.String("error", err.Error()))
		return false
	}
	c.index.add(key.Exact, key.Variant, c.embed(prompt), c.now().Add(ttl))
	return true
}

// Stats returns the current scoreboard.
func (c *ResponseCache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	s := Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		SemanticHits: c.semHits.Load(),
		CostSavedUSD: math.Float64frombits(c.costSaved.Load()),
	}
	if total := s.Hits + s.SemanticHits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits+s.SemanticHits) / float64(total)
	}
	if sized, ok := c.backend.(interface{ Len() int }); ok {
		s.Entries = sized.Len()
	} else {
		s.Entries = c.index.len()
	}
	return s
}

func (c *ResponseCache) fetch(ctx context.Context, key string) *llm.Response {
	data, ok := c.backend.Get(ctx, key)
	if !ok {
		return nil
	}
	var resp llm.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.log.Warn("cache_decode_failed", slog.String("key", key), slog.String("error", err.Error()))
		return nil
	}
	return &resp
}

func (c *ResponseCache) addCostSaved(v float64) {
	for {
		old := c.costSaved.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if c.costSaved.CompareAndSwap(old, next) {
			return
		}
	}
}
