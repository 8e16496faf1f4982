package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageLedgerRow is the durable-storage shape of a domain.UsageLedgerEntry;
// Tags are stored as a JSONB array of {tag_id, weight} rather than a
// relational join table, since they are write-once alongside the entry.
type UsageLedgerRow struct {
	ID               uuid.UUID       `db:"id"`
	Timestamp        time.Time       `db:"ts"`
	TenantID         int64           `db:"tenant_id"`
	Route            string          `db:"route"`
	Model            string          `db:"model"`
	PromptTokens     int64           `db:"prompt_tokens"`
	CompletionTokens int64           `db:"completion_tokens"`
	USD              decimal.Decimal `db:"usd"`
	SessionID        *string         `db:"session_id"`
	Outcome          string          `db:"outcome"`
	Tags             JSONB           `db:"tags"`
	IdempotencyKey   string          `db:"idempotency_key"`
}

// SaveUsageLedgerEntry inserts one ledger row. The unique index on
// idempotency_key (spec §3/§6) makes this safe under at-least-once
// redelivery from the usage event stream.
func (c *Client) SaveUsageLedgerEntry(ctx context.Context, e *UsageLedgerRow) error {
	_, err := c.sqlxdb.NamedExecContext(ctx, `
		INSERT INTO usage_ledger_entries (
			id, ts, tenant_id, route, model, prompt_tokens, completion_tokens,
			usd, session_id, outcome, tags, idempotency_key
		) VALUES (
			:id, :ts, :tenant_id, :route, :model, :prompt_tokens, :completion_tokens,
			:usd, :session_id, :outcome, :tags, :idempotency_key
		)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e)
	return err
}

// BatchSaveUsageLedgerEntries inserts many ledger rows in a single
// statement; Client's async write queue uses it for WriteTypeBatch writes.
func (c *Client) BatchSaveUsageLedgerEntries(ctx context.Context, entries []*UsageLedgerRow) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := c.sqlxdb.NamedExecContext(ctx, `
		INSERT INTO usage_ledger_entries (
			id, ts, tenant_id, route, model, prompt_tokens, completion_tokens,
			usd, session_id, outcome, tags, idempotency_key
		) VALUES (
			:id, :ts, :tenant_id, :route, :model, :prompt_tokens, :completion_tokens,
			:usd, :session_id, :outcome, :tags, :idempotency_key
		)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, entries)
	return err
}

// UsageEventRow is the usage_events record the event stream (C9) writes
// when its Redis push fails, idempotent on ID the same way the teacher's
// event_logs table dedupes on (workflow_id, type, seq). Nothing in this
// repository reads these rows back; the accounting worker (C10) consumes
// only the Redis list.
type UsageEventRow struct {
	ID             uuid.UUID `db:"id"`
	TenantID       int64     `db:"tenant_id"`
	Payload        JSONB     `db:"payload"`
	IdempotencyKey string    `db:"idempotency_key"`
	CreatedAt      time.Time `db:"created_at"`
}

// SaveUsageEvent durably persists an event as a fallback when the cache is
// unavailable, per spec §4.10's "writes durably to DB and defers counter
// refresh" behavior.
func (c *Client) SaveUsageEvent(ctx context.Context, e *UsageEventRow) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := c.sqlxdb.NamedExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, payload, idempotency_key, created_at)
		VALUES (:id, :tenant_id, :payload, :idempotency_key, :created_at)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e)
	return err
}
