// Package audit implements a non-blocking, batched audit trail.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine — so auditing never blocks the request hot path.
// If the channel fills up (> 10 000 entries), new events are dropped and
// counted in Dropped(). Every flush goes to the structured logger; optional
// sinks (ClickHouse) receive the same batches for durable analytics.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-router/internal/events"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Kind names one audited operation.
type Kind string

const (
	KindRequestCompleted  Kind = "request_completed"
	KindRequestFailed     Kind = "request_failed"
	KindStreamCancelled   Kind = "stream_cancelled"
	KindModelRegistered   Kind = "model_registered"
	KindModelUnregistered Kind = "model_unregistered"
	KindKeyCreated        Kind = "key_created"
	KindKeyDisabled       Kind = "key_disabled"
	KindKeyDeleted        Kind = "key_deleted"
	KindBYOKSet           Kind = "byok_set"
	KindBYOKDeleted       Kind = "byok_deleted"
	KindMigrationApplied  Kind = "migration_applied"
	KindCacheHit          Kind = "cache_hit"
)

// Event is one audit record. Zero ID and Time are stamped by Record.
type Event struct {
	ID               uuid.UUID
	Time             time.Time
	Kind             Kind
	RequestID        string
	KeyID            string
	Provider         string
	Model            string
	Strategy         string
	PromptTokens     uint32
	CompletionTokens uint32
	CostMicros       int64
	LatencyMs        uint32
	Status           string
	Cached           bool
	Detail           string
}

// Sink receives flushed batches. Write must tolerate being called from a
// single background goroutine; slow sinks delay the next flush, not callers.
type Sink interface {
	Write(ctx context.Context, batch []Event) error
	Close() error
}

// Logger batches audit events off the hot path.
type Logger struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
	sinks   []Sink
}

func New(ctx context.Context, slogger *slog.Logger, sinks ...Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sinks:   sinks,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Record enqueues one event. Never blocks; events beyond the buffer are
// dropped and counted.
func (l *Logger) Record(ev Event) {
	if l == nil {
		return
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case l.ch <- ev:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Attach subscribes the logger to registry lifecycle topics so model
// register/unregister events land in the trail without the registry knowing
// about auditing.
func (l *Logger) Attach(bus *events.Bus) {
	if bus == nil {
		return
	}
	bus.Subscribe("model_registered", func(ev events.Event) {
		l.Record(Event{
			Kind:     KindModelRegistered,
			Model:    str(ev.Fields["model"]),
			Provider: str(ev.Fields["provider"]),
			Status:   "ok",
		})
	})
	bus.Subscribe("model_unregistered", func(ev events.Event) {
		l.Record(Event{
			Kind:   KindModelUnregistered,
			Model:  str(ev.Fields["model"]),
			Status: "ok",
		})
	})
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Close drains buffered events, flushes them, and closes all sinks.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()

	var firstErr error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "audit",
				slog.String("id", e.ID.String()),
				slog.String("kind", string(e.Kind)),
				slog.String("request_id", e.RequestID),
				slog.String("key_id", e.KeyID),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.String("strategy", e.Strategy),
				slog.Uint64("prompt_tokens", uint64(e.PromptTokens)),
				slog.Uint64("completion_tokens", uint64(e.CompletionTokens)),
				slog.Int64("cost_micros", e.CostMicros),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.String("status", e.Status),
				slog.Bool("cached", e.Cached),
				slog.String("detail", e.Detail),
				slog.Time("ts", e.Time),
			)
		}
		for _, s := range l.sinks {
			if err := s.Write(ctx, batch); err != nil {
				l.log.ErrorContext(ctx, "audit_sink_error", slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-l.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case ev := <-l.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// CostMicros converts a dollar amount into integer micro-dollars for storage.
func CostMicros(usd float64) int64 {
	return int64(usd * 1e6)
}
