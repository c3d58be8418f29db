package audit

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// tableDDL keeps the sink self-provisioning: first connection creates the
// table when the configured user has DDL rights, otherwise the operator
// provisions it from the same statement.
const tableDDL = `
CREATE TABLE IF NOT EXISTS router_audit_events (
    id                UUID,
    ts                DateTime64(3, 'UTC'),
    kind              LowCardinality(String),
    request_id        String,
    key_id            String,
    provider          LowCardinality(String),
    model             String,
    strategy          LowCardinality(String),
    prompt_tokens     UInt32,
    completion_tokens UInt32,
    cost_micros       Int64,
    latency_ms        UInt32,
    status            LowCardinality(String),
    cached            Bool,
    detail            String
)
ENGINE = MergeTree()
ORDER BY (ts, kind)
TTL toDateTime(ts) + INTERVAL 90 DAY
`

const insertStmt = `INSERT INTO router_audit_events (
    id, ts, kind, request_id, key_id, provider, model, strategy,
    prompt_tokens, completion_tokens, cost_micros, latency_ms,
    status, cached, detail
)`

// ClickHouseSink persists audit batches over the native protocol.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects, verifies the server, and ensures the audit
// table exists.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, tableDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: ensure table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, insertStmt)
	if err != nil {
		return fmt.Errorf("audit: prepare batch: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(
			e.ID,
			e.Time,
			string(e.Kind),
			e.RequestID,
			e.KeyID,
			e.Provider,
			e.Model,
			e.Strategy,
			e.PromptTokens,
			e.CompletionTokens,
			e.CostMicros,
			e.LatencyMs,
			e.Status,
			e.Cached,
			e.Detail,
		); err != nil {
			return fmt.Errorf("audit: append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("audit: send batch: %w", err)
	}
	return nil
}

// Ping reports connectivity for health probes.
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
