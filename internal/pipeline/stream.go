package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/routing"
)

// streamBuffer decouples a slow consumer from the upstream read without
// letting chunks pile up unboundedly.
const streamBuffer = 64

type streamOutcome string

const (
	outcomeDone      streamOutcome = "done"
	outcomeCancelled streamOutcome = "cancelled"
	outcomeErrored   streamOutcome = "errored"
)

// streamSession is everything the bridge goroutine needs to forward one
// stream and settle its accounting afterwards.
type streamSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	req         *llm.Request
	desc        *llm.ModelDescriptor
	plan        *routing.Plan
	upstream    <-chan llm.StreamChunk
	adm         *ratelimit.Admission
	releaseSlot func()
	tracker     *stateTracker
	start       time.Time
	dialStart   time.Time
	cacheKey    cache.Key
	cacheKind   cache.Kind
	cacheable   bool
}

// bridge forwards adapter chunks to the consumer channel, stamping Index and
// guaranteeing a terminal Done chunk with usage. The goroutine owns the load
// slot, the admission, and the request context: all three are settled on
// every exit, including consumer cancellation mid-stream.
func (p *Pipeline) bridge(s *streamSession) <-chan llm.StreamChunk {
	out := make(chan llm.StreamChunk, streamBuffer)
	go p.runBridge(s, out)
	return out
}

func (p *Pipeline) runBridge(s *streamSession, out chan<- llm.StreamChunk) {
	defer close(out)
	defer func() {
		if p.metrics != nil {
			p.metrics.DecInFlight()
		}
	}()
	defer s.releaseSlot()
	defer s.cancel()

	var (
		idx       int
		text      strings.Builder
		usage     *llm.Usage
		finish    llm.FinishReason
		firstAt   time.Time
		doneSent  bool
		streamErr *llm.Error
	)
	outcome := outcomeDone

	forward := func(c llm.StreamChunk) bool {
		c.Index = idx
		idx++
		select {
		case out <- c:
			return true
		case <-s.ctx.Done():
			return false
		}
	}

	// finalUsage trusts provider-reported numbers and estimates the rest
	// from the prompt and the text accumulated so far.
	finalUsage := func() llm.Usage {
		var u llm.Usage
		if usage != nil {
			u = *usage
		}
		if u.PromptTokens == 0 {
			u.PromptTokens = p.counter.EstimateRequest(s.desc.ModelID, s.req)
		}
		if u.CompletionTokens == 0 && text.Len() > 0 {
			u.CompletionTokens = p.counter.CountText(s.desc.ModelID, text.String())
		}
		u.Normalize()
		return u
	}

loop:
	for {
		select {
		case <-s.ctx.Done():
			outcome = outcomeCancelled
			break loop

		case chunk, ok := <-s.upstream:
			if !ok {
				break loop
			}
			if firstAt.IsZero() {
				firstAt = time.Now()
				s.tracker.to(stateStreaming, s.desc)
				if p.balancer != nil {
					p.balancer.ObserveLatency(s.desc.ID, float64(firstAt.Sub(s.dialStart).Milliseconds()))
				}
			}

			if chunk.Err != nil {
				streamErr = llm.Classify(chunk.Err, s.desc.Provider, s.desc.ModelID)
				streamErr.RequestID = s.req.RequestID
				chunk.Err = streamErr
				chunk.Done = true
				if chunk.FinishReason == "" {
					chunk.FinishReason = llm.FinishError
				}
				forward(chunk)
				doneSent = true
				outcome = outcomeErrored
				break loop
			}

			text.WriteString(chunk.Delta)
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}

			if chunk.Done {
				s.tracker.to(stateDraining, s.desc)
				u := finalUsage()
				usage = &u
				chunk.Usage = &u
				if !forward(chunk) {
					outcome = outcomeCancelled
					break loop
				}
				doneSent = true
				break loop
			}
			if !forward(chunk) {
				outcome = outcomeCancelled
				break loop
			}
		}
	}

	// Upstream ended without a terminal chunk: synthesize one so consumers
	// always see Done=true with usage.
	if outcome == outcomeDone && !doneSent {
		s.tracker.to(stateDraining, s.desc)
		u := finalUsage()
		usage = &u
		if finish == "" {
			finish = llm.FinishStop
		}
		if !forward(llm.StreamChunk{Done: true, Usage: &u, FinishReason: finish}) {
			outcome = outcomeCancelled
		}
	}

	// The adapter goroutine exits once the dispatch context dies; drain so
	// it never blocks on a full channel in the meantime.
	go drainChunks(s.upstream)

	p.finishStream(s, finalUsage(), finish, text.String(), outcome, streamErr)
}

func drainChunks(ch <-chan llm.StreamChunk) {
	for range ch {
	}
}

// finishStream settles accounting for one stream: token reconciliation, key
// usage, cache write-through, audit, and metrics.
func (p *Pipeline) finishStream(s *streamSession, u llm.Usage, finish llm.FinishReason, text string, outcome streamOutcome, streamErr *llm.Error) {
	elapsed := time.Since(s.start)
	cost := s.desc.Pricing.Cost(u)

	s.adm.Reconcile(int64(u.TotalTokens))
	s.adm.Release()
	if p.keys != nil && s.req.Auth.KeyID != "" {
		p.keys.RecordUsage(s.req.Auth.KeyID, int64(u.TotalTokens))
	}

	switch outcome {
	case outcomeDone:
		s.tracker.to(stateDone, s.desc)
		if s.cacheable {
			if finish == "" {
				finish = llm.FinishStop
			}
			resp := &llm.Response{
				Text:         text,
				Usage:        u,
				Cost:         cost,
				LatencyMs:    elapsed.Milliseconds(),
				Model:        s.desc.ModelID,
				Provider:     s.desc.Provider,
				FinishReason: finish,
			}
			p.cache.Store(s.ctx, s.cacheKey, s.req.PromptText(), s.desc.ModelID, s.cacheKind, resp)
		}

	case outcomeCancelled:
		s.tracker.to(stateCancelled, s.desc)
		p.log.Info("stream_cancelled",
			slog.String("request_id", s.req.RequestID),
			slog.String("model", s.desc.ID),
			slog.Int("completion_tokens", u.CompletionTokens))

	case outcomeErrored:
		s.tracker.to(stateErrored, s.desc)
		// A stream that died mid-flight counts against the provider the same
		// way a failed dial does.
		p.recordAttemptFailure(s.desc.Provider, streamErr.Kind)
	}

	status := "ok"
	auditKind := audit.KindRequestCompleted
	detail := ""
	switch outcome {
	case outcomeCancelled:
		status = string(llm.KindCancelled)
		auditKind = audit.KindStreamCancelled
	case outcomeErrored:
		status = string(streamErr.Kind)
		auditKind = audit.KindRequestFailed
		detail = streamErr.Error()
	}

	if p.metrics != nil {
		p.metrics.RecordRequest(opGenerateStream, status)
		p.metrics.ObserveRequest(s.desc.Provider, string(s.plan.Strategy), "bypass", elapsed)
		p.metrics.AddTokens(s.desc.Provider, u.PromptTokens, u.CompletionTokens)
		p.metrics.AddCost(s.desc.Provider, cost)
	}
	p.audit.Record(audit.Event{
		Kind:             auditKind,
		RequestID:        s.req.RequestID,
		KeyID:            s.req.Auth.KeyID,
		Provider:         s.desc.Provider,
		Model:            s.desc.ModelID,
		Strategy:         string(s.plan.Strategy),
		PromptTokens:     uint32(u.PromptTokens),
		CompletionTokens: uint32(u.CompletionTokens),
		CostMicros:       audit.CostMicros(cost),
		LatencyMs:        uint32(elapsed.Milliseconds()),
		Status:           status,
		Detail:           detail,
	})
}
