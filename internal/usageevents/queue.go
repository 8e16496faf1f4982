// Package usageevents implements the usage event stream (spec §4.9): an
// append-only, at-least-once handoff of priced UsageLedgerEntry records
// from the admission pipeline to the accounting worker. Per-tenant FIFO is
// all that is required, so every append lands on a single Redis list —
// a global FIFO is a strict superset of per-tenant ordering. A Redis outage
// degrades the append to the database client's own async write queue,
// which stores the event in the usage_events table; the accounting worker
// reads only the Redis list, so an event written on that path does not
// reach it.
package usageevents

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/cachekv"
	"github.com/llmgatewayd/llmgatewayd/internal/db"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

// queueKey is the single Redis list every Append pushes to and every
// accounting worker BRPOPs from.
const queueKey = "usageevents:queue"

// AppendDeadline bounds how long Append may block the caller, per spec §5's
// blocking-point table ("Event stream append ... timeout -> log and
// proceed"). It is never allowed to delay the client response beyond this.
const AppendDeadline = 1 * time.Second

// maxEntryBytes is the soft size ceiling spec §4.9 sets for one entry; it is
// enforced as a warning, not a hard rejection, since dropping a priced
// record would violate at-least-once delivery.
const maxEntryBytes = 1024

// Queue is the producer side of the usage event stream.
type Queue struct {
	cache  *cachekv.Cache
	db     *db.Client
	logger *zap.Logger
}

// New builds a Queue. db may be nil in tests that only exercise the
// cache-available path.
func New(cache *cachekv.Cache, dbClient *db.Client, logger *zap.Logger) *Queue {
	return &Queue{cache: cache, db: dbClient, logger: logger}
}

// Append hands entry to the event stream. It never returns an error that
// should fail the caller's request: a Redis outage falls back to the
// database's async write queue, and a deadline overrun is logged and
// treated as success, per spec §5.
func (q *Queue) Append(ctx context.Context, entry *domain.UsageLedgerEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		q.logger.Error("usageevents: failed to marshal entry", zap.Error(err), zap.String("idempotency_key", entry.IdempotencyKey))
		return
	}
	if len(payload) > maxEntryBytes {
		q.logger.Warn("usageevents: entry exceeds soft size limit",
			zap.Int("bytes", len(payload)), zap.String("idempotency_key", entry.IdempotencyKey))
	}

	deadline, cancel := context.WithTimeout(context.Background(), AppendDeadline)
	defer cancel()

	if err := q.cache.Push(deadline, queueKey, string(payload)); err != nil {
		q.logger.Warn("usageevents: cache push failed, falling back to durable queue",
			zap.Error(err), zap.String("idempotency_key", entry.IdempotencyKey))
		q.appendDurable(entry)
		return
	}

	if deadline.Err() != nil {
		q.logger.Warn("usageevents: append exceeded deadline, proceeding",
			zap.String("idempotency_key", entry.IdempotencyKey))
	}
}

func (q *Queue) appendDurable(entry *domain.UsageLedgerEntry) {
	if q.db == nil {
		q.logger.Error("usageevents: no durable fallback configured, entry dropped",
			zap.String("idempotency_key", entry.IdempotencyKey))
		return
	}
	row := &db.UsageEventRow{
		ID:             entry.ID,
		TenantID:       entry.TenantID,
		Payload:        entryPayload(entry),
		IdempotencyKey: entry.IdempotencyKey,
	}
	if err := q.db.QueueWrite(db.WriteTypeUsageEvent, row, nil); err != nil {
		q.logger.Error("usageevents: durable fallback enqueue failed",
			zap.Error(err), zap.String("idempotency_key", entry.IdempotencyKey))
	}
}

func entryPayload(entry *domain.UsageLedgerEntry) db.JSONB {
	tags := make([]map[string]interface{}, 0, len(entry.Tags))
	for _, t := range entry.Tags {
		tags = append(tags, map[string]interface{}{"tag_id": t.TagID, "weight": t.Weight.String()})
	}
	return db.JSONB{
		"id":                entry.ID.String(),
		"ts":                entry.Timestamp,
		"tenant_id":         entry.TenantID,
		"route":             entry.Route,
		"model":             entry.Model,
		"prompt_tokens":     entry.PromptTokens,
		"completion_tokens": entry.CompletionTokens,
		"usd":               entry.USD.String(),
		"session_id":        entry.SessionID,
		"outcome":           string(entry.Outcome),
		"tags":              tags,
	}
}

// Pop blocks up to timeout for the next entry from the stream. found is
// false when nothing arrived before the timeout.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (entry *domain.UsageLedgerEntry, found bool, err error) {
	_, value, found, err := q.cache.BPop(ctx, timeout, queueKey)
	if err != nil || !found {
		return nil, false, err
	}
	var e domain.UsageLedgerEntry
	if err := json.Unmarshal([]byte(value), &e); err != nil {
		q.logger.Error("usageevents: failed to unmarshal popped entry", zap.Error(err))
		return nil, false, err
	}
	return &e, true, nil
}
