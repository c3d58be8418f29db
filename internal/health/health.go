// Package health runs background probes over adapters and infrastructure
// components and exposes the latest results for /healthz and /readyz.
//
// Adapter probes drive the model registry: descriptors of a failing provider
// flip ready→degraded so the router stops preferring them, and flip back once
// the provider recovers.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

const (
	probeInterval    = 30 * time.Second
	probeTimeout     = 5 * time.Second
	maxParallelProbe = 8
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"

	statusUnknown = "unknown"
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

// set stores v and returns the previous value for transition detection.
func (s *componentStatus) set(v string) string {
	s.mu.Lock()
	prev := s.status
	s.status = v
	s.mu.Unlock()
	return prev
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// Probe checks one infrastructure component (store, cache backend, audit
// sink). A nil error means reachable.
type Probe func(ctx context.Context) error

// Prober runs background probes and exposes the latest results.
type Prober struct {
	adapters *adapters.Registry
	reg      *registry.Registry
	metrics  *metrics.Registry
	log      *slog.Logger
	baseCtx  context.Context

	components map[string]Probe

	adapterStatuses   map[string]*componentStatus
	componentStatuses map[string]*componentStatus

	interval time.Duration
	timeout  time.Duration

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Prober.
type Option func(*Prober)

// WithInterval overrides the probe interval (tests use short ones).
func WithInterval(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProbeTimeout overrides the per-cycle probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMetrics publishes provider health gauges.
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Prober) { p.metrics = m }
}

// WithModelRegistry lets probe outcomes drive descriptor status.
func WithModelRegistry(reg *registry.Registry) Option {
	return func(p *Prober) { p.reg = reg }
}

// WithComponent registers an infrastructure probe under name.
func WithComponent(name string, probe Probe) Option {
	return func(p *Prober) {
		if probe != nil {
			p.components[name] = probe
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Prober) {
		if log != nil {
			p.log = log
		}
	}
}

// NewProber creates a Prober and immediately starts background probes. The
// first probe runs synchronously so health is never "unknown" after return.
func NewProber(ctx context.Context, adapterReg *adapters.Registry, opts ...Option) *Prober {
	if ctx == nil {
		panic("health: context must not be nil")
	}

	p := &Prober{
		adapters:          adapterReg,
		log:               slog.Default(),
		baseCtx:           ctx,
		components:        make(map[string]Probe),
		adapterStatuses:   make(map[string]*componentStatus),
		componentStatuses: make(map[string]*componentStatus),
		interval:          probeInterval,
		timeout:           probeTimeout,
		startTime:         time.Now(),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if adapterReg != nil {
		for _, name := range adapterReg.Names() {
			p.adapterStatuses[name] = &componentStatus{}
		}
	}
	for name := range p.components {
		p.componentStatuses[name] = &componentStatus{}
	}

	p.probe()

	p.wg.Add(1)
	go p.run()

	return p
}

// Snapshot is the current health state for all components.
type Snapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Components    map[string]string `json:"components,omitempty"`
}

// Snapshot builds a snapshot from the latest probe results.
func (p *Prober) Snapshot() Snapshot {
	overall := StatusOK

	providers := make(map[string]string, len(p.adapterStatuses))
	downCount := 0
	for name, s := range p.adapterStatuses {
		st := s.get()
		providers[name] = st
		if st != StatusOK {
			overall = StatusDegraded
		}
		if st == StatusDown {
			downCount++
		}
	}
	if len(providers) > 0 && downCount == len(providers) {
		overall = StatusDown
	}

	components := make(map[string]string, len(p.componentStatuses))
	for name, s := range p.componentStatuses {
		st := s.get()
		components[name] = st
		if st != StatusOK {
			overall = StatusDegraded
		}
	}

	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Providers:     providers,
		Components:    components,
	}
}

// ReadinessOK reports whether the process should accept traffic: every
// infrastructure component is reachable. Provider outages degrade health but
// do not gate readiness — requests can still be served from cache or by the
// remaining providers.
func (p *Prober) ReadinessOK() bool {
	for _, s := range p.componentStatuses {
		if s.get() == StatusDown {
			return false
		}
	}
	return true
}

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.done:
			return
		}
	}
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbe)

	if p.adapters != nil {
		for name, a := range p.adapters.All() {
			g.Go(func() error {
				p.probeAdapter(ctx, name, a)
				return nil
			})
		}
	}

	for name, probe := range p.components {
		s := p.componentStatuses[name]
		g.Go(func() error {
			status := StatusOK
			if err := probe(ctx); err != nil {
				status = StatusDown
				p.log.Warn("component_unhealthy",
					slog.String("component", name),
					slog.String("error", err.Error()),
				)
			}
			if prev := s.set(status); prev == StatusDown && status == StatusOK {
				p.log.Info("component_recovered", slog.String("component", name))
			}
			return nil
		})
	}

	_ = g.Wait()
}

// probeAdapter checks one adapter and propagates the outcome to the metric
// gauge and the model registry.
func (p *Prober) probeAdapter(ctx context.Context, name string, a adapters.Adapter) {
	s := p.adapterStatuses[name]
	if s == nil {
		return
	}

	prober, ok := a.(adapters.HealthProber)
	if !ok {
		// No cheap probe endpoint. Assume healthy; real requests will
		// surface failures through the circuit breaker instead.
		s.set(StatusOK)
		if p.metrics != nil {
			p.metrics.SetProviderHealth(name, metrics.HealthOK)
		}
		return
	}

	status := StatusOK
	if err := prober.HealthProbe(ctx); err != nil {
		// Rejected credentials make the provider unusable; anything else
		// may be a blip on the probe endpoint alone.
		if llm.IsKind(err, llm.KindAuth) {
			status = StatusDown
		} else {
			status = StatusDegraded
		}
		p.log.Warn("provider_unhealthy",
			slog.String("provider", name),
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
	}

	prev := s.set(status)
	if prev != StatusOK && prev != "" && status == StatusOK {
		p.log.Info("provider_recovered", slog.String("provider", name))
	}

	if p.metrics != nil {
		switch status {
		case StatusOK:
			p.metrics.SetProviderHealth(name, metrics.HealthOK)
		case StatusDown:
			p.metrics.SetProviderHealth(name, metrics.HealthDown)
		default:
			p.metrics.SetProviderHealth(name, metrics.HealthDegraded)
		}
	}

	p.driveRegistry(name, status == StatusOK)
}

// driveRegistry flips descriptors of the probed provider between ready and
// degraded. Other statuses (loading, errored, unloaded) are left alone — they
// belong to the model lifecycle, not provider health.
func (p *Prober) driveRegistry(provider string, healthy bool) {
	if p.reg == nil {
		return
	}
	for _, d := range p.reg.Snapshot() {
		if d.Provider != provider {
			continue
		}
		switch {
		case healthy && d.Status == llm.StatusDegraded:
			p.reg.SetStatus(d.ID, llm.StatusReady)
		case !healthy && d.Status == llm.StatusReady:
			p.reg.SetStatus(d.ID, llm.StatusDegraded)
		}
	}
}
