package routing

import (
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/registry"
)

const (
	// DefaultDecayInterval is how often load counters decay.
	DefaultDecayInterval = 60 * time.Second
	// decayFactor is applied to every counter per decay tick, so a burst
	// that never completed (crashed client, lost release) fades instead of
	// pinning the model as hot forever.
	decayFactor = 0.9
)

// Balancer tracks in-flight pressure per model through the registry counters
// and runs the periodic decay loop.
type Balancer struct {
	reg      *registry.Registry
	interval time.Duration
	log      *slog.Logger
	done     chan struct{}
}

// BalancerOption configures a Balancer.
type BalancerOption func(*Balancer)

// WithDecayInterval overrides the decay tick.
func WithDecayInterval(d time.Duration) BalancerOption {
	return func(b *Balancer) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithBalancerLogger sets the balancer logger.
func WithBalancerLogger(log *slog.Logger) BalancerOption {
	return func(b *Balancer) { b.log = log }
}

// NewBalancer starts the decay loop immediately. Call Close to stop it.
func NewBalancer(reg *registry.Registry, opts ...BalancerOption) *Balancer {
	b := &Balancer{
		reg:      reg,
		interval: DefaultDecayInterval,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.decayLoop()
	return b
}

// Acquire marks one in-flight request against the model.
func (b *Balancer) Acquire(id string) {
	b.reg.UpdateLoad(id, +1)
}

// Release returns the slot taken by Acquire. Safe to call for ids that have
// since been unregistered.
func (b *Balancer) Release(id string) {
	b.reg.UpdateLoad(id, -1)
}

// ObserveLatency feeds one request latency into the model's EMA.
func (b *Balancer) ObserveLatency(id string, ms float64) {
	b.reg.ObserveLatency(id, ms)
}

// Close stops the decay loop.
func (b *Balancer) Close() error {
	close(b.done)
	return nil
}

func (b *Balancer) decayLoop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reg.ScaleLoads(decayFactor)
		case <-b.done:
			return
		}
	}
}
