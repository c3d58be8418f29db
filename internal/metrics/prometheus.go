// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Provider health gauge values. Three states collapse onto one gauge so a
// single PromQL threshold can alert on anything below healthy.
const (
	HealthOK       = 1.0
	HealthDegraded = 0.5
	HealthDown     = 0.0
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_requests_total{op,status}
	requestsTotal *prometheus.CounterVec

	// router_request_duration_seconds{provider,strategy,cache}
	requestDuration *prometheus.HistogramVec

	// router_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// router_failover_events_total{from,to}
	failoverEvents *prometheus.CounterVec

	// router_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// router_cost_usd_total{provider}
	costTotal *prometheus.CounterVec

	// cache_hits_total{tier}
	cacheHits *prometheus.CounterVec

	// cache_entries
	cacheEntries prometheus.Gauge

	// ratelimit_decisions_total{result}
	rateLimitTotal *prometheus.CounterVec

	// queue_depth{tier}
	queueDepth *prometheus.GaugeVec

	// circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// provider_health{provider} — 1=ok, 0.5=degraded, 0=down
	providerHealth *prometheus.GaugeVec

	// model_load{model} — in-flight requests per model descriptor
	modelLoad *prometheus.GaugeVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight requests handled by the router",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_requests_total",
				Help: "Total number of router operations by outcome",
			},
			[]string{"op", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_request_duration_seconds",
				Help:    "End-to-end request duration in seconds (includes cache, queueing, and upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "strategy", "cache"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries and failovers)",
			},
			[]string{"provider", "outcome"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_events_total",
				Help: "Failover events between candidate models",
			},
			[]string{"from", "to"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cost_usd_total",
				Help: "Accumulated upstream spend in USD, computed from catalog pricing",
			},
			[]string{"provider"},
		),

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Response cache hits by tier (exact or semantic)",
			},
			[]string{"tier"},
		),

		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current number of live response cache entries",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_decisions_total",
				Help: "Admission decisions by result",
			},
			[]string{"result"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Requests waiting for an admission slot, per tier",
			},
			[]string{"tier"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "provider_health",
				Help: "Provider health status (1=ok, 0.5=degraded, 0=down)",
			},
			[]string{"provider"},
		),

		modelLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "model_load",
				Help: "In-flight requests per model descriptor",
			},
			[]string{"model"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.failoverEvents,
		r.tokensTotal,
		r.costTotal,
		r.cacheHits,
		r.cacheEntries,
		r.rateLimitTotal,
		r.queueDepth,
		r.circuitBreakerState,
		r.providerHealth,
		r.modelLoad,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// RecordRequest counts one façade operation. Status is "ok" for success or
// the error kind ("rate_limit", "upstream_transient", ...) for failures.
func (r *Registry) RecordRequest(op, status string) {
	r.requestsTotal.WithLabelValues(op, status).Inc()
}

// ObserveRequest records end-to-end latency for one served request.
// Cache is "hit", "miss", or "bypass".
func (r *Registry) ObserveRequest(provider, strategy, cache string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, strategy, cache).Observe(dur.Seconds())
}

// RecordUpstreamAttempt counts one adapter invocation. Outcome is "success",
// "circuit_reject", or the error kind.
func (r *Registry) RecordUpstreamAttempt(provider, outcome string) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) RecordFailover(from, to string) {
	r.failoverEvents.WithLabelValues(from, to).Inc()
}

func (r *Registry) AddTokens(provider string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(completionTokens))
	}
}

func (r *Registry) AddCost(provider string, usd float64) {
	if usd > 0 {
		r.costTotal.WithLabelValues(provider).Add(usd)
	}
}

// RecordCacheHit counts one cache hit. Tier is "exact" or "semantic".
func (r *Registry) RecordCacheHit(tier string) {
	r.cacheHits.WithLabelValues(tier).Inc()
}

func (r *Registry) SetCacheEntries(n int) {
	r.cacheEntries.Set(float64(n))
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetQueueDepth(tier string, depth int) {
	r.queueDepth.WithLabelValues(tier).Set(float64(depth))
}

func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func (r *Registry) SetProviderHealth(provider string, v float64) {
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) SetModelLoad(model string, load int64) {
	r.modelLoad.WithLabelValues(model).Set(float64(load))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
