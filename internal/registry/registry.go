// Package registry tracks the models currently available for routing. Each
// entry is a llm.ModelDescriptor plus live counters (in-flight load, latency
// EMA) that the balancer and strategies read. The registry is the single
// writer of descriptor state; callers only ever see copies.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/nulpointcorp/llm-router/internal/events"
	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// DefaultMaxModels caps registry size unless overridden.
const DefaultMaxModels = 10

// latencyAlpha is the EMA smoothing factor for ObserveLatency.
const latencyAlpha = 0.2

// checkpointKey is the persistent-map key holding the model checkpoint.
const checkpointKey = "models"

// Filter narrows GetAvailable results. Zero values match everything.
type Filter struct {
	Capabilities llm.CapabilitySet
	Provider     string
	MaxCost      float64 // blended $/MTok ceiling
	MinContext   int
}

type entry struct {
	mu sync.Mutex
	d  llm.ModelDescriptor
}

// snapshot returns a copy of the descriptor under the entry lock.
func (e *entry) snapshot() *llm.ModelDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.d
	return &d
}

// Registry is a bounded, concurrency-safe model table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	max     int

	log   *slog.Logger
	bus   *events.Bus
	index *store.Map
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithEventBus publishes model_registered/model_unregistered events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithCheckpoint persists registrations to m so they survive restarts.
func WithCheckpoint(m *store.Map) Option {
	return func(r *Registry) { r.index = m }
}

// WithMaxModels overrides the registry capacity.
func WithMaxModels(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.max = n
		}
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		max:     DefaultMaxModels,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register inserts or replaces the descriptor keyed by d.ID. Replacing never
// counts against capacity; inserting past capacity fails with
// quota_exceeded.
func (r *Registry) Register(d *llm.ModelDescriptor) error {
	if d == nil || d.ID == "" {
		return llm.Errorf(llm.KindValidation, "register: descriptor without id")
	}

	r.mu.Lock()
	_, replacing := r.entries[d.ID]
	if !replacing && len(r.entries) >= r.max {
		r.mu.Unlock()
		return llm.Errorf(llm.KindQuotaExceeded, "model registry full (%d/%d)", len(r.entries), r.max)
	}
	r.entries[d.ID] = &entry{d: *d}
	r.mu.Unlock()

	r.log.Info("model_registered",
		slog.String("model", d.ID),
		slog.String("provider", d.Provider),
		slog.String("status", string(d.Status)),
		slog.Bool("replaced", replacing),
	)
	if r.bus != nil {
		r.bus.Publish("model_registered", map[string]any{
			"model":    d.ID,
			"provider": d.Provider,
		})
	}
	r.checkpoint()
	return nil
}

// Unregister removes id. Removing an unknown id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, existed := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if !existed {
		return
	}
	r.log.Info("model_unregistered", slog.String("model", id))
	if r.bus != nil {
		r.bus.Publish("model_unregistered", map[string]any{"model": id})
	}
	r.checkpoint()
}

// Get returns a copy of the descriptor for id.
func (r *Registry) Get(id string) (*llm.ModelDescriptor, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// GetAvailable returns copies of every ready or degraded descriptor matching
// f, sorted by id for deterministic iteration.
func (r *Registry) GetAvailable(f Filter) []*llm.ModelDescriptor {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	out := make([]*llm.ModelDescriptor, 0, len(candidates))
	for _, e := range candidates {
		d := e.snapshot()
		if !d.Available() {
			continue
		}
		if f.Provider != "" && d.Provider != f.Provider {
			continue
		}
		if len(f.Capabilities) > 0 && !d.Capabilities.Covers(f.Capabilities) {
			continue
		}
		if f.MaxCost > 0 && d.BlendedPricePerMTok() > f.MaxCost {
			continue
		}
		if f.MinContext > 0 && d.Limits.ContextTokens < f.MinContext {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateLoad adjusts the in-flight counter for id by delta, clamped at zero.
func (r *Registry) UpdateLoad(id string, delta int64) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.d.CurrentLoad += delta
	if e.d.CurrentLoad < 0 {
		e.d.CurrentLoad = 0
	}
	e.mu.Unlock()
}

// ScaleLoads multiplies every load counter by factor. The balancer's decay
// loop calls this so stale load fades instead of pinning a model forever.
func (r *Registry) ScaleLoads(factor float64) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	for _, e := range candidates {
		e.mu.Lock()
		e.d.CurrentLoad = int64(float64(e.d.CurrentLoad) * factor)
		e.mu.Unlock()
	}
}

// ObserveLatency folds one request latency into the descriptor's EMA.
func (r *Registry) ObserveLatency(id string, ms float64) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.d.RecentLatencyMs == 0 {
		e.d.RecentLatencyMs = ms
	} else {
		e.d.RecentLatencyMs = latencyAlpha*ms + (1-latencyAlpha)*e.d.RecentLatencyMs
	}
	e.mu.Unlock()
}

// SetStatus transitions the lifecycle state of id.
func (r *Registry) SetStatus(id string, s llm.ModelStatus) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	changed := e.d.Status != s
	e.d.Status = s
	e.mu.Unlock()

	if changed {
		r.log.Info("model_status",
			slog.String("model", id),
			slog.String("status", string(s)),
		)
	}
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns copies of every descriptor, sorted by id.
func (r *Registry) Snapshot() []*llm.ModelDescriptor {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	out := make([]*llm.ModelDescriptor, 0, len(candidates))
	for _, e := range candidates {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// checkpointRecord is one persisted model registration: everything needed to
// re-issue the Load on restart.
type checkpointRecord struct {
	Provider string            `json:"provider"`
	ModelID  string            `json:"modelId"`
	Options  map[string]string `json:"options,omitempty"`
}

// checkpoint writes the current registrations through the persistent map.
// The map's debounced writer coalesces bursts.
func (r *Registry) checkpoint() {
	if r.index == nil {
		return
	}
	records := make([]checkpointRecord, 0, r.Len())
	for _, d := range r.Snapshot() {
		records = append(records, checkpointRecord{
			Provider: d.Provider,
			ModelID:  d.ModelID,
			Options:  d.Metadata,
		})
	}
	if err := r.index.Set(checkpointKey, records); err != nil {
		r.log.Warn("registry_checkpoint_failed", slog.String("error", err.Error()))
	}
}

// LoadFunc re-issues one model load during Restore.
type LoadFunc func(ctx context.Context, provider, modelID string, options map[string]string) error

// Restore re-registers every checkpointed model via load. Individual failures
// are logged and skipped; startup proceeds with whatever loaded.
func (r *Registry) Restore(ctx context.Context, load LoadFunc) {
	if r.index == nil {
		return
	}
	var records []checkpointRecord
	ok, err := r.index.GetJSON(checkpointKey, &records)
	if err != nil {
		r.log.Warn("registry_restore_failed", slog.String("error", err.Error()))
		return
	}
	if !ok || len(records) == 0 {
		return
	}

	restored := 0
	for _, rec := range records {
		if err := load(ctx, rec.Provider, rec.ModelID, rec.Options); err != nil {
			r.log.Warn("registry_restore_model_failed",
				slog.String("provider", rec.Provider),
				slog.String("model", rec.ModelID),
				slog.String("error", err.Error()),
			)
			continue
		}
		restored++
	}
	r.log.Info("registry_restored",
		slog.Int("checkpointed", len(records)),
		slog.Int("restored", restored),
	)
}
