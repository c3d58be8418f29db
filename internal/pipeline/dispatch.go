package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/routing"
)

// dispatchState tracks where a request sits in its lifecycle. Transitions
// are logged and published to the event bus.
type dispatchState string

const (
	statePreparing dispatchState = "PREPARING"
	stateDialing   dispatchState = "DIALING"
	stateStreaming dispatchState = "STREAMING"
	stateDraining  dispatchState = "DRAINING"
	stateDone      dispatchState = "DONE"
	stateErrored   dispatchState = "ERRORED"
	stateCancelled dispatchState = "CANCELLED"
)

// stateTracker emits one log line and one bus event per transition.
type stateTracker struct {
	p   *Pipeline
	req *llm.Request
}

func (t *stateTracker) to(state dispatchState, d *llm.ModelDescriptor) {
	attrs := []any{
		slog.String("request_id", t.req.RequestID),
		slog.String("state", string(state)),
	}
	fields := map[string]any{
		"request_id": t.req.RequestID,
		"state":      string(state),
	}
	if d != nil {
		attrs = append(attrs,
			slog.String("model", d.ID),
			slog.String("provider", d.Provider))
		fields["model"] = d.ID
		fields["provider"] = d.Provider
	}
	t.p.log.Debug("dispatch_state", attrs...)
	t.p.bus.Publish("dispatch_state", fields)
}

// dispatchResult is one successful dispatch. Exactly one of resp and stream
// is set. For streams, release frees the load slot (the bridge calls it) and
// dialStart marks when the winning dial began, for first-chunk latency.
type dispatchResult struct {
	resp      *llm.Response
	stream    <-chan llm.StreamChunk
	desc      *llm.ModelDescriptor
	release   func()
	tracker   *stateTracker
	dialStart time.Time
	attempts  int
}

// dispatch walks the plan's candidate chain. Per candidate: skip an open
// breaker, resolve the caller credential, pace egress, take a load slot, and
// invoke — retrying transient failures in place, advancing on fallback-
// eligible errors, surfacing everything else immediately.
func (p *Pipeline) dispatch(ctx context.Context, req *llm.Request, plan *routing.Plan, streaming bool) (*dispatchResult, error) {
	tracker := &stateTracker{p: p, req: req}
	tracker.to(statePreparing, nil)

	candidates := append([]*llm.ModelDescriptor(nil), plan.Candidates...)
	var lastErr *llm.Error
	var prevID string
	attempts := 0

	for ci := 0; ci < len(candidates); ci++ {
		d := candidates[ci]

		if !p.breakers.Allow(d.Provider) {
			p.setBreakerGauge(d.Provider)
			if p.metrics != nil {
				p.metrics.RecordUpstreamAttempt(d.Provider, "circuit_reject")
			}
			p.log.Warn("circuit_open_skip",
				slog.String("request_id", req.RequestID),
				slog.String("provider", d.Provider),
				slog.String("model", d.ID))
			continue
		}

		cred, err := p.credentialFor(req, d.Provider)
		if err != nil {
			lastErr = llm.Classify(err, d.Provider, d.ModelID)
			p.log.Warn("credential_unresolved",
				slog.String("request_id", req.RequestID),
				slog.String("provider", d.Provider),
				slog.String("error", err.Error()))
			continue
		}

		adapter, ok := p.adapters.Get(d.Provider)
		if !ok {
			lastErr = llm.Errorf(llm.KindInternal, "adapter %q is not registered", d.Provider)
			lastErr.Provider = d.Provider
			continue
		}

		if prevID != "" {
			if p.metrics != nil {
				p.metrics.RecordFailover(prevID, d.ID)
			}
			p.log.Info("failover",
				slog.String("request_id", req.RequestID),
				slog.String("from", prevID),
				slog.String("to", d.ID))
		}
		prevID = d.ID

		inv := &adapters.Invocation{Request: req, Descriptor: d, Credential: cred}

		for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
			if err := p.egress.Wait(ctx, d.Provider); err != nil {
				tracker.to(stateCancelled, d)
				return nil, llm.Wrap(llm.KindCancelled, err, "cancelled while paced for egress")
			}

			attempts++
			p.acquireSlot(d)
			tracker.to(stateDialing, d)

			dialStart := time.Now()
			var resp *llm.Response
			var stream <-chan llm.StreamChunk
			if streaming {
				stream, err = adapter.Stream(ctx, inv)
			} else {
				actx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
				resp, err = adapter.Complete(actx, inv)
				cancel()
			}

			if err == nil {
				p.breakers.RecordSuccess(d.Provider)
				p.setBreakerGauge(d.Provider)
				if p.metrics != nil {
					p.metrics.RecordUpstreamAttempt(d.Provider, "success")
				}
				res := &dispatchResult{
					resp:      resp,
					stream:    stream,
					desc:      d,
					tracker:   tracker,
					dialStart: dialStart,
					attempts:  attempts,
				}
				if streaming {
					// The bridge owns the slot from here.
					res.release = releaseOnce(func() { p.releaseSlot(d) })
				} else {
					p.releaseSlot(d)
					if p.balancer != nil {
						p.balancer.ObserveLatency(d.ID, float64(time.Since(dialStart).Milliseconds()))
					}
				}
				return res, nil
			}

			p.releaseSlot(d)
			lerr := llm.Classify(err, d.Provider, d.ModelID)
			lerr.RequestID = req.RequestID
			lastErr = lerr
			p.recordAttemptFailure(d.Provider, lerr.Kind)
			p.log.Warn("attempt_failed",
				slog.String("request_id", req.RequestID),
				slog.String("model", d.ID),
				slog.Int("attempt", attempt),
				slog.String("kind", string(lerr.Kind)),
				slog.String("error", lerr.Message))

			if lerr.Kind == llm.KindCancelled {
				tracker.to(stateCancelled, d)
				return nil, lerr
			}
			if lerr.Kind.Retryable() && attempt < p.retry.MaxAttempts {
				delay := p.retry.Delay(attempt)
				if lerr.RetryAfter > delay {
					delay = lerr.RetryAfter
				}
				if err := sleepCtx(ctx, delay); err != nil {
					tracker.to(stateCancelled, d)
					return nil, llm.Wrap(llm.KindCancelled, err, "cancelled during retry backoff")
				}
				continue
			}
			if !lerr.Kind.FallbackEligible() {
				tracker.to(stateErrored, d)
				return nil, lerr
			}
			if lerr.Kind == llm.KindContextLength {
				candidates = preferLargerContext(candidates, ci+1, d.Limits.ContextTokens)
			}
			break
		}
	}

	tracker.to(stateErrored, nil)
	if lastErr == nil {
		lastErr = llm.Errorf(llm.KindUpstreamTransient, "no dispatch candidate available")
		lastErr.RequestID = req.RequestID
	}
	p.log.Warn("dispatch_exhausted",
		slog.String("request_id", req.RequestID),
		slog.Int("attempts", attempts),
		slog.String("kind", string(lastErr.Kind)))
	return nil, lastErr
}

// acquireSlot counts the attempt against the model's load.
func (p *Pipeline) acquireSlot(d *llm.ModelDescriptor) {
	if p.balancer != nil {
		p.balancer.Acquire(d.ID)
	}
	p.setLoadGauge(d.ID)
}

// releaseSlot returns the slot taken by acquireSlot.
func (p *Pipeline) releaseSlot(d *llm.ModelDescriptor) {
	if p.balancer != nil {
		p.balancer.Release(d.ID)
	}
	p.setLoadGauge(d.ID)
}

func (p *Pipeline) setLoadGauge(id string) {
	if p.metrics == nil {
		return
	}
	if d, ok := p.reg.Get(id); ok {
		p.metrics.SetModelLoad(id, d.CurrentLoad)
	}
}

// releaseOnce wraps fn so double release from racing exit paths is harmless.
func releaseOnce(fn func()) func() {
	var once sync.Once
	return func() { once.Do(fn) }
}

// preferLargerContext reorders the untried tail of the candidate chain so
// models with context windows larger than the one that overflowed come
// first, preserving plan order within each half.
func preferLargerContext(candidates []*llm.ModelDescriptor, from, failedContext int) []*llm.ModelDescriptor {
	if from >= len(candidates) {
		return candidates
	}
	var larger, rest []*llm.ModelDescriptor
	for _, d := range candidates[from:] {
		if d.Limits.ContextTokens > failedContext {
			larger = append(larger, d)
		} else {
			rest = append(rest, d)
		}
	}
	out := append([]*llm.ModelDescriptor(nil), candidates[:from]...)
	out = append(out, larger...)
	return append(out, rest...)
}
