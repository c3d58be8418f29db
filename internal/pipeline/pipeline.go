// Package pipeline is the core request dispatcher.
//
// The Pipeline receives a unified request, authenticates the key, admits it
// against tier and per-key budgets, consults the response cache, asks the
// router for a candidate chain, and walks that chain — retrying transient
// failures with backoff and failing over past tripped circuit breakers —
// until a provider answers or the chain is exhausted.
//
// Key design constraints:
//   - Keys, vault, cache, limiter, egress, balancer, metrics, audit, and bus
//     are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - A model's load count returns to its pre-request value on every exit
//     path: success, error, or cancellation.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/auth"
	"github.com/nulpointcorp/llm-router/internal/byok"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/events"
	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/tokencount"
)

// Operation labels for the router_requests_total metric.
const (
	opGenerate       = "generate"
	opGenerateStream = "generate_stream"
	opEmbed          = "embed"
	opLoadModel      = "load_model"
	opUnloadModel    = "unload_model"
)

// defaultAttemptTimeout bounds a single unary upstream call. The request
// deadline still caps the dispatch as a whole, retries and fallbacks
// included.
const defaultAttemptTimeout = 30 * time.Second

// Options holds the optional collaborators of a Pipeline. Every field is
// nil-safe: an omitted dependency disables the corresponding stage.
type Options struct {
	// Keys authenticates and meters API keys. Nil runs the pipeline in
	// anonymous single-tenant mode.
	Keys *auth.Service

	// Vault resolves caller-owned provider credentials. Nil means adapters
	// always use their configured defaults.
	Vault *byok.Vault

	// Cache is the exact+semantic response cache. Nil disables caching.
	Cache *cache.ResponseCache

	// Limiter admits requests against tier and per-key budgets. Nil disables
	// admission control.
	Limiter *ratelimit.Limiter

	// Egress paces outbound calls per provider. Nil disables pacing.
	Egress *ratelimit.Egress

	// Balancer tracks per-model load and latency. Nil disables load
	// accounting.
	Balancer *routing.Balancer

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// Audit records request-level audit events. Nil disables the trail.
	Audit *audit.Logger

	// Bus receives dispatch state transitions on the "dispatch_state" topic.
	Bus *events.Bus

	// Counter estimates token counts for admission and cost scoring.
	// Defaults to tokencount.New().
	Counter *tokencount.Counter

	// Retry shapes per-candidate backoff. Zero fields use the defaults.
	Retry RetryPolicy

	// CBConfig tunes the per-provider circuit breakers. Zero fields use the
	// package defaults.
	CBConfig CBConfig

	// AttemptTimeout bounds one unary upstream call. Default: 30s.
	AttemptTimeout time.Duration

	// RequestTimeout replaces llm.DefaultTimeout as the dispatch deadline for
	// unary requests that carry no explicit Options.Timeout.
	RequestTimeout time.Duration

	// StreamTimeout replaces llm.DefaultStreamTimeout for streaming requests.
	StreamTimeout time.Duration

	// Logger is the structured logger for dispatch diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Pipeline is the dispatcher — required collaborators are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Pipeline struct {
	reg      *registry.Registry
	router   *routing.Router
	adapters *adapters.Registry
	baseCtx  context.Context
	log      *slog.Logger

	breakers       *CircuitBreaker
	retry          RetryPolicy
	attemptTimeout time.Duration
	requestTimeout time.Duration
	streamTimeout  time.Duration
	counter        *tokencount.Counter

	// Optional dependencies — nil-safe when not configured.
	keys     *auth.Service
	vault    *byok.Vault
	cache    *cache.ResponseCache
	limiter  *ratelimit.Limiter
	egress   *ratelimit.Egress
	balancer *routing.Balancer
	metrics  *metrics.Registry
	audit    *audit.Logger
	bus      *events.Bus
}

// New creates a Pipeline over the model registry, router, and adapter
// registry. baseCtx bounds background work spawned for streaming bridges.
func New(baseCtx context.Context, reg *registry.Registry, router *routing.Router, adapterReg *adapters.Registry, opts Options) *Pipeline {
	if baseCtx == nil {
		panic("pipeline: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	counter := opts.Counter
	if counter == nil {
		counter = tokencount.New()
	}
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}

	return &Pipeline{
		reg:            reg,
		router:         router,
		adapters:       adapterReg,
		baseCtx:        baseCtx,
		log:            log,
		breakers:       NewCircuitBreaker(opts.CBConfig),
		retry:          opts.Retry.normalized(),
		attemptTimeout: attemptTimeout,
		requestTimeout: opts.RequestTimeout,
		streamTimeout:  opts.StreamTimeout,
		counter:        counter,
		keys:           opts.Keys,
		vault:          opts.Vault,
		cache:          opts.Cache,
		limiter:        opts.Limiter,
		egress:         opts.Egress,
		balancer:       opts.Balancer,
		metrics:        opts.Metrics,
		audit:          opts.Audit,
		bus:            opts.Bus,
	}
}

// Keys exposes the key service for the admin surface. May be nil.
func (p *Pipeline) Keys() *auth.Service { return p.keys }

// BYOK exposes the credential vault for the admin surface. May be nil.
func (p *Pipeline) BYOK() *byok.Vault { return p.vault }

// CacheStats reports response cache counters.
func (p *Pipeline) CacheStats() cache.Stats { return p.cache.Stats() }

// Breakers exposes the circuit breaker table for health output.
func (p *Pipeline) Breakers() *CircuitBreaker { return p.breakers }

// Generate runs one unary completion through the full pipeline.
func (p *Pipeline) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.IncInFlight()
		defer p.metrics.DecInFlight()
	}

	if req == nil {
		err := llm.Errorf(llm.KindValidation, "nil request")
		p.failRequest(opGenerate, req, nil, err, start)
		return nil, err
	}
	ctx, cancel := p.requestContext(ctx, req)
	defer cancel()

	plan, adm, err := p.prepare(ctx, req)
	if err != nil {
		p.failRequest(opGenerate, req, nil, err, start)
		return nil, err
	}
	defer adm.Release()

	primary := plan.Primary()
	kind := cache.ClassifyKind(req.PromptText())
	cacheable := p.cache.Cacheable(primary.ModelID, kind)
	cacheLabel := "bypass"
	var key cache.Key
	if cacheable {
		key = cache.NewKey(primary.Provider, primary.ModelID, req)
		if resp, ok := p.cache.Lookup(ctx, key, req.PromptText(), kind); ok {
			adm.Reconcile(0)
			p.finishCacheHit(req, plan, resp, start)
			return resp, nil
		}
		cacheLabel = "miss"
	}

	res, err := p.dispatch(ctx, req, plan, false)
	if err != nil {
		adm.Reconcile(0)
		p.failRequest(opGenerate, req, plan, err, start)
		return nil, err
	}

	resp := res.resp
	resp.Usage.Normalize()
	if resp.Cost == 0 {
		resp.Cost = res.desc.Pricing.Cost(resp.Usage)
	}
	resp.LatencyMs = time.Since(start).Milliseconds()

	adm.Reconcile(int64(resp.Usage.TotalTokens))
	if p.keys != nil && req.Auth.KeyID != "" {
		p.keys.RecordUsage(req.Auth.KeyID, int64(resp.Usage.TotalTokens))
	}
	if cacheable {
		p.cache.Store(ctx, key, req.PromptText(), primary.ModelID, kind, resp)
	}
	p.finishRequest(opGenerate, req, plan, resp, cacheLabel, start)
	return resp, nil
}

// GenerateStream runs one streaming completion. The returned channel is
// closed after the terminal chunk; the bridge goroutine owns slot release and
// token reconciliation on every exit path, cancellation included.
func (p *Pipeline) GenerateStream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.IncInFlight()
	}
	if req == nil {
		if p.metrics != nil {
			p.metrics.DecInFlight()
		}
		err := llm.Errorf(llm.KindValidation, "nil request")
		p.failRequest(opGenerateStream, req, nil, err, start)
		return nil, err
	}
	req.Options.Stream = true
	ctx, cancel := p.requestContext(ctx, req)

	plan, adm, err := p.prepare(ctx, req)
	if err != nil {
		cancel()
		if p.metrics != nil {
			p.metrics.DecInFlight()
		}
		p.failRequest(opGenerateStream, req, nil, err, start)
		return nil, err
	}

	res, err := p.dispatch(ctx, req, plan, true)
	if err != nil {
		adm.Reconcile(0)
		adm.Release()
		cancel()
		if p.metrics != nil {
			p.metrics.DecInFlight()
		}
		p.failRequest(opGenerateStream, req, plan, err, start)
		return nil, err
	}

	kind := cache.ClassifyKind(req.PromptText())
	s := &streamSession{
		ctx:         ctx,
		cancel:      cancel,
		req:         req,
		desc:        res.desc,
		plan:        plan,
		upstream:    res.stream,
		adm:         adm,
		releaseSlot: res.release,
		tracker:     res.tracker,
		start:       start,
		dialStart:   res.dialStart,
		cacheKind:   kind,
		cacheable:   req.Options.CacheStreamed && p.cache.Cacheable(res.desc.ModelID, kind),
	}
	if s.cacheable {
		s.cacheKey = cache.NewKey(res.desc.Provider, res.desc.ModelID, req)
	}
	return p.bridge(s), nil
}

// Embed serves one embedding request. req carries authentication and
// metering identity; emb is the payload handed to the adapter.
func (p *Pipeline) Embed(ctx context.Context, req *llm.Request, emb *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.IncInFlight()
		defer p.metrics.DecInFlight()
	}
	if req == nil || emb == nil {
		err := llm.Errorf(llm.KindValidation, "nil embedding request")
		p.failRequest(opEmbed, req, nil, err, start)
		return nil, err
	}
	if emb.Model == "" {
		err := llm.Errorf(llm.KindValidation, "embedding model is required")
		p.failRequest(opEmbed, req, nil, err, start)
		return nil, err
	}
	if len(emb.Input) == 0 {
		err := llm.Errorf(llm.KindValidation, "embedding input is empty")
		p.failRequest(opEmbed, req, nil, err, start)
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	rec, err := p.authenticate(req)
	if err != nil {
		p.failRequest(opEmbed, req, nil, err, start)
		return nil, err
	}

	est := int64(0)
	for _, in := range emb.Input {
		est += int64(p.counter.CountText(emb.Model, in))
	}
	adm, err := p.admit(ctx, req, rec, est)
	if err != nil {
		p.failRequest(opEmbed, req, nil, err, start)
		return nil, err
	}
	defer adm.Release()

	desc, err := p.resolveEmbeddingModel(emb.Model)
	if err != nil {
		adm.Reconcile(0)
		p.failRequest(opEmbed, req, nil, err, start)
		return nil, err
	}
	resp, err := p.dispatchEmbedding(ctx, req, desc, emb)
	if err != nil {
		adm.Reconcile(0)
		p.failRequest(opEmbed, req, nil, err, start)
		return nil, err
	}

	resp.Usage.Normalize()
	if resp.Cost == 0 {
		resp.Cost = desc.Pricing.Cost(resp.Usage)
	}
	adm.Reconcile(int64(resp.Usage.TotalTokens))
	if p.keys != nil && req.Auth.KeyID != "" {
		p.keys.RecordUsage(req.Auth.KeyID, int64(resp.Usage.TotalTokens))
	}

	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordRequest(opEmbed, "ok")
		p.metrics.ObserveRequest(desc.Provider, "direct", "bypass", elapsed)
		p.metrics.AddTokens(desc.Provider, resp.Usage.PromptTokens, 0)
		p.metrics.AddCost(desc.Provider, resp.Cost)
	}
	p.audit.Record(audit.Event{
		Kind:         audit.KindRequestCompleted,
		RequestID:    req.RequestID,
		KeyID:        req.Auth.KeyID,
		Provider:     desc.Provider,
		Model:        desc.ModelID,
		Strategy:     "direct",
		PromptTokens: uint32(resp.Usage.PromptTokens),
		CostMicros:   audit.CostMicros(resp.Cost),
		LatencyMs:    uint32(elapsed.Milliseconds()),
		Status:       "ok",
	})
	return resp, nil
}

// LoadModel asks the provider adapter to load (or verify) a model and
// registers the resulting descriptor.
func (p *Pipeline) LoadModel(ctx context.Context, spec adapters.LoadSpec) (*llm.ModelDescriptor, error) {
	adapter, ok := p.adapters.Get(spec.Provider)
	if !ok {
		err := llm.Errorf(llm.KindNotFound, "unknown provider %q", spec.Provider)
		if p.metrics != nil {
			p.metrics.RecordRequest(opLoadModel, string(llm.KindNotFound))
		}
		return nil, err
	}

	desc, err := adapter.Load(ctx, spec)
	if err != nil {
		lerr := llm.Classify(err, spec.Provider, spec.ModelID)
		if p.metrics != nil {
			p.metrics.RecordRequest(opLoadModel, string(lerr.Kind))
		}
		return nil, lerr
	}
	if err := p.reg.Register(desc); err != nil {
		if p.metrics != nil {
			p.metrics.RecordRequest(opLoadModel, string(llm.KindOf(err)))
		}
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.RecordRequest(opLoadModel, "ok")
		p.metrics.SetModelLoad(desc.ID, 0)
	}
	p.log.Info("model_loaded",
		slog.String("model", desc.ID),
		slog.String("provider", desc.Provider),
		slog.String("status", string(desc.Status)))
	return desc, nil
}

// UnloadModel removes a model from the registry and releases adapter
// resources. In-flight requests finish; new plans no longer see the model.
func (p *Pipeline) UnloadModel(ctx context.Context, id string) error {
	desc, ok := p.reg.Get(id)
	if !ok {
		if p.metrics != nil {
			p.metrics.RecordRequest(opUnloadModel, string(llm.KindNotFound))
		}
		return llm.Errorf(llm.KindNotFound, "model %q is not registered", id)
	}

	// Unregister first so the router stops planning onto the model, then let
	// the adapter release whatever the load pinned.
	p.reg.Unregister(id)
	if adapter, ok := p.adapters.Get(desc.Provider); ok {
		if err := adapter.Unload(ctx, id); err != nil {
			p.log.Warn("model_unload_failed",
				slog.String("model", id),
				slog.String("error", err.Error()))
		}
	}

	if p.metrics != nil {
		p.metrics.RecordRequest(opUnloadModel, "ok")
	}
	p.log.Info("model_unloaded", slog.String("model", id))
	return nil
}

// ListModels returns the registered models that pass the filter and may
// serve traffic.
func (p *Pipeline) ListModels(f registry.Filter) []*llm.ModelDescriptor {
	return p.reg.GetAvailable(f)
}

// prepare runs the shared front half of Generate and GenerateStream:
// normalize, authenticate, admit, select.
func (p *Pipeline) prepare(ctx context.Context, req *llm.Request) (*routing.Plan, *ratelimit.Admission, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	rec, err := p.authenticate(req)
	if err != nil {
		return nil, nil, err
	}

	est := int64(p.counter.EstimateTotal(req.ModelHint, req))
	adm, err := p.admit(ctx, req, rec, est)
	if err != nil {
		return nil, nil, err
	}

	estIn := p.counter.EstimateRequest(req.ModelHint, req)
	plan, err := p.router.Plan(req, estIn)
	if err != nil {
		adm.Reconcile(0)
		adm.Release()
		return nil, nil, err
	}
	return plan, adm, nil
}

// authenticate verifies the key identity stamped on the request by the host
// surface. A nil key service runs anonymous; otherwise the key must exist,
// be enabled, and be unexpired.
func (p *Pipeline) authenticate(req *llm.Request) (*auth.KeyRecord, error) {
	if p.keys == nil {
		if req.Auth.Tier == "" {
			req.Auth.Tier = llm.TierBasic
		}
		return nil, nil
	}
	if req.Auth.KeyID == "" {
		return nil, llm.Errorf(llm.KindAuth, "missing API key")
	}
	rec, ok := p.keys.Get(req.Auth.KeyID)
	if !ok {
		return nil, llm.Errorf(llm.KindAuth, "unknown API key")
	}
	if rec.Disabled {
		return nil, llm.Errorf(llm.KindAuth, "API key is disabled")
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, llm.Errorf(llm.KindAuth, "API key has expired")
	}
	if req.Auth.Tier == "" {
		req.Auth.Tier = rec.Tier
	}
	if req.Auth.UserID == "" {
		req.Auth.UserID = rec.UserID
	}
	if req.Auth.GroupID == "" {
		req.Auth.GroupID = rec.GroupID
	}
	p.keys.Touch(req.Auth.KeyID)
	return rec, nil
}

// admit takes a budget slot for the request: tier limits overlaid with the
// key's own quota overrides.
func (p *Pipeline) admit(ctx context.Context, req *llm.Request, rec *auth.KeyRecord, estTokens int64) (*ratelimit.Admission, error) {
	if p.limiter == nil {
		return nil, nil
	}
	limits := p.limiter.Limits(req.Auth.Tier)
	if rec != nil {
		limits = overlayQuotas(limits, rec.Quotas)
	}
	adm, err := p.limiter.AdmitLimits(ctx, req.Auth.KeyID, limits, estTokens)
	if p.metrics != nil {
		p.metrics.SetQueueDepth(string(req.Auth.Tier), p.limiter.QueueDepth(req.Auth.KeyID))
	}
	return adm, err
}

// overlayQuotas applies per-key overrides on top of the tier defaults.
// Nonzero fields win; zero means inherit.
func overlayQuotas(base ratelimit.TierLimits, q auth.Quotas) ratelimit.TierLimits {
	if q.RequestsPerMinute > 0 {
		base.RequestsPerMinute = q.RequestsPerMinute
	}
	if q.RequestsPerHour > 0 {
		base.RequestsPerHour = q.RequestsPerHour
	}
	if q.RequestsPerDay > 0 {
		base.RequestsPerDay = q.RequestsPerDay
	}
	if q.TokensPerMinute > 0 {
		base.TokensPerMinute = q.TokensPerMinute
	}
	if q.TokensPerHour > 0 {
		base.TokensPerHour = q.TokensPerHour
	}
	if q.TokensPerDay > 0 {
		base.TokensPerDay = q.TokensPerDay
	}
	if q.MaxConcurrent > 0 {
		base.MaxConcurrent = q.MaxConcurrent
	}
	return base
}

// requestContext derives the dispatch context from the request's effective
// timeout: the explicit Options.Timeout when set, otherwise the configured
// process default for the request shape, otherwise the built-in default.
func (p *Pipeline) requestContext(ctx context.Context, req *llm.Request) (context.Context, context.CancelFunc) {
	d := req.Options.Timeout
	if d <= 0 {
		if req.Options.Stream {
			d = p.streamTimeout
		} else {
			d = p.requestTimeout
		}
	}
	if d <= 0 {
		d = req.Deadline()
	}
	return context.WithTimeout(ctx, d)
}

// resolveEmbeddingModel maps an embedding model reference — either a full
// "provider:model" id or a bare model id — onto a registered descriptor.
func (p *Pipeline) resolveEmbeddingModel(model string) (*llm.ModelDescriptor, error) {
	if d, ok := p.reg.Get(model); ok {
		return d, nil
	}
	for _, d := range p.reg.GetAvailable(registry.Filter{Capabilities: llm.Caps(llm.CapEmbedding)}) {
		if d.ModelID == model {
			return d, nil
		}
	}
	return nil, llm.Errorf(llm.KindNotFound, "embedding model %q is not registered", model)
}

// dispatchEmbedding performs the single-candidate dispatch used by Embed:
// breaker gate, credential resolution, egress pacing, retries on transient
// failure — no fallback chain.
func (p *Pipeline) dispatchEmbedding(ctx context.Context, req *llm.Request, desc *llm.ModelDescriptor, emb *llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	if !p.breakers.Allow(desc.Provider) {
		p.setBreakerGauge(desc.Provider)
		return nil, llm.Errorf(llm.KindUpstreamTransient, "provider %q circuit is open", desc.Provider)
	}

	adapter, ok := p.adapters.Get(desc.Provider)
	if !ok {
		return nil, llm.Errorf(llm.KindInternal, "adapter %q is not registered", desc.Provider)
	}
	embedder, ok := adapter.(adapters.Embedder)
	if !ok {
		return nil, llm.Errorf(llm.KindValidation, "provider %q does not support embeddings", desc.Provider)
	}

	cred, err := p.credentialFor(req, desc.Provider)
	if err != nil {
		return nil, err
	}
	emb.Credential = cred

	var lastErr *llm.Error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		if err := p.egress.Wait(ctx, desc.Provider); err != nil {
			return nil, llm.Wrap(llm.KindCancelled, err, "cancelled while paced for egress")
		}

		actx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
		resp, err := embedder.Embed(actx, emb)
		cancel()
		if err == nil {
			p.breakers.RecordSuccess(desc.Provider)
			p.setBreakerGauge(desc.Provider)
			if p.metrics != nil {
				p.metrics.RecordUpstreamAttempt(desc.Provider, "success")
			}
			return resp, nil
		}

		lastErr = llm.Classify(err, desc.Provider, desc.ModelID)
		lastErr.RequestID = req.RequestID
		p.recordAttemptFailure(desc.Provider, lastErr.Kind)
		if lastErr.Kind == llm.KindCancelled || !lastErr.Kind.Retryable() || attempt == p.retry.MaxAttempts {
			return nil, lastErr
		}
		delay := p.retry.Delay(attempt)
		if lastErr.RetryAfter > delay {
			delay = lastErr.RetryAfter
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, llm.Wrap(llm.KindCancelled, err, "cancelled during retry backoff")
		}
	}
	return nil, lastErr
}

// credentialFor resolves the caller's own provider key through the vault.
// No vault means adapters use their configured defaults.
func (p *Pipeline) credentialFor(req *llm.Request, provider string) (string, error) {
	if p.vault == nil {
		return "", nil
	}
	cred, err := p.vault.Resolve(req.Auth.UserID, req.Auth.GroupID, provider)
	if err != nil {
		return "", err
	}
	return cred.Key, nil
}

// finishCacheHit finalizes a request served from the cache.
func (p *Pipeline) finishCacheHit(req *llm.Request, plan *routing.Plan, resp *llm.Response, start time.Time) {
	elapsed := time.Since(start)
	resp.LatencyMs = elapsed.Milliseconds()

	tier := "exact"
	if resp.CacheSimilarity > 0 {
		tier = "semantic"
	}
	if p.metrics != nil {
		p.metrics.RecordCacheHit(tier)
		p.metrics.RecordRequest(opGenerate, "ok")
		p.metrics.ObserveRequest(resp.Provider, string(plan.Strategy), "hit", elapsed)
		p.metrics.SetCacheEntries(p.cache.Stats().Entries)
	}
	p.audit.Record(audit.Event{
		Kind:             audit.KindCacheHit,
		RequestID:        req.RequestID,
		KeyID:            req.Auth.KeyID,
		Provider:         resp.Provider,
		Model:            resp.Model,
		Strategy:         string(plan.Strategy),
		PromptTokens:     uint32(resp.Usage.PromptTokens),
		CompletionTokens: uint32(resp.Usage.CompletionTokens),
		LatencyMs:        uint32(elapsed.Milliseconds()),
		Status:           "ok",
		Cached:           true,
		Detail:           tier,
	})
	p.log.Info("request_served",
		slog.String("request_id", req.RequestID),
		slog.String("model", resp.Model),
		slog.String("cache", tier),
		slog.Int64("latency_ms", resp.LatencyMs))
}

// finishRequest finalizes a successful upstream completion.
func (p *Pipeline) finishRequest(op string, req *llm.Request, plan *routing.Plan, resp *llm.Response, cacheLabel string, start time.Time) {
	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.RecordRequest(op, "ok")
		p.metrics.ObserveRequest(resp.Provider, string(plan.Strategy), cacheLabel, elapsed)
		p.metrics.AddTokens(resp.Provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		p.metrics.AddCost(resp.Provider, resp.Cost)
		if p.cache != nil {
			p.metrics.SetCacheEntries(p.cache.Stats().Entries)
		}
	}
	p.audit.Record(audit.Event{
		Kind:             audit.KindRequestCompleted,
		RequestID:        req.RequestID,
		KeyID:            req.Auth.KeyID,
		Provider:         resp.Provider,
		Model:            resp.Model,
		Strategy:         string(plan.Strategy),
		PromptTokens:     uint32(resp.Usage.PromptTokens),
		CompletionTokens: uint32(resp.Usage.CompletionTokens),
		CostMicros:       audit.CostMicros(resp.Cost),
		LatencyMs:        uint32(elapsed.Milliseconds()),
		Status:           "ok",
		Cached:           resp.Cached,
	})
	p.log.Info("request_served",
		slog.String("request_id", req.RequestID),
		slog.String("model", resp.Model),
		slog.String("provider", resp.Provider),
		slog.String("strategy", string(plan.Strategy)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Int64("latency_ms", elapsed.Milliseconds()))
}

// failRequest finalizes a request that surfaced an error.
func (p *Pipeline) failRequest(op string, req *llm.Request, plan *routing.Plan, err error, start time.Time) {
	kind := llm.KindOf(err)
	elapsed := time.Since(start)

	requestID, keyID := "", ""
	if req != nil {
		requestID, keyID = req.RequestID, req.Auth.KeyID
	}
	provider, model := "", ""
	var lerr *llm.Error
	if e, ok := err.(*llm.Error); ok {
		lerr = e
	}
	if lerr != nil {
		provider, model = lerr.Provider, lerr.Model
		if lerr.RequestID == "" {
			lerr.RequestID = requestID
		}
	}
	strategy := ""
	if plan != nil {
		strategy = string(plan.Strategy)
	}

	if p.metrics != nil {
		p.metrics.RecordRequest(op, string(kind))
	}
	p.audit.Record(audit.Event{
		Kind:      audit.KindRequestFailed,
		RequestID: requestID,
		KeyID:     keyID,
		Provider:  provider,
		Model:     model,
		Strategy:  strategy,
		LatencyMs: uint32(elapsed.Milliseconds()),
		Status:    string(kind),
		Detail:    err.Error(),
	})
	p.log.Warn("request_failed",
		slog.String("request_id", requestID),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()))
}

// recordAttemptFailure updates breaker and metrics for one failed upstream
// attempt. Only upstream faults count toward the trip threshold; a caller
// mistake (validation, context overflow) or a working refusal (safety) says
// nothing about provider health.
func (p *Pipeline) recordAttemptFailure(provider string, kind llm.Kind) {
	if kind == llm.KindUpstreamTransient || kind == llm.KindUpstreamPermanent || kind == llm.KindInternal {
		p.breakers.RecordFailure(provider)
	}
	p.setBreakerGauge(provider)
	if p.metrics != nil {
		p.metrics.RecordUpstreamAttempt(provider, string(kind))
	}
}

func (p *Pipeline) setBreakerGauge(provider string) {
	if p.metrics != nil {
		p.metrics.SetCircuitBreaker(provider, int64(p.breakers.State(provider)))
	}
}
