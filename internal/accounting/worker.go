// Package accounting implements the accounting worker (spec §4.10): the
// consumer side of the usage event stream that turns priced
// UsageLedgerEntry records into durable counter updates. Idempotency comes
// from the ledger table's unique idempotency_key: only a record that is
// genuinely new earns a counter increment, so an at-least-once redelivery
// from the event stream never double-counts.
package accounting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/cachekv"
	"github.com/llmgatewayd/llmgatewayd/internal/db"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
	"github.com/llmgatewayd/llmgatewayd/internal/ledgerkey"
	"github.com/llmgatewayd/llmgatewayd/internal/usageevents"
)

// popTimeout bounds how long one shard blocks waiting on the queue before
// checking ctx for cancellation again.
const popTimeout = 2 * time.Second

// Repository is the subset of *db.Client the worker needs.
type Repository interface {
	GetActiveBudgets(ctx context.Context, tenantID int64) ([]domain.Budget, error)
	GetTagBudget(ctx context.Context, tagID int64) (domain.TagBudget, error)
	IncrementCounter(ctx context.Context, tenantID int64, scope, ledgerKey string, delta decimal.Decimal) error
	GetCounter(ctx context.Context, tenantID int64, scope, ledgerKey string) (decimal.Decimal, error)
	ApplySessionCost(ctx context.Context, tenantID int64, sessionID string, delta decimal.Decimal) (domain.Session, error)
	TryInsertUsageLedgerEntry(ctx context.Context, e *db.UsageLedgerRow) (bool, error)
}

var _ Repository = (*db.Client)(nil)

// Config controls the worker's shard count and the periods every tenant's
// total is tracked under even when no explicit budget row configures them,
// mirroring internal/budget's Config.EnforcedPeriods.
type Config struct {
	Shards          int
	EnforcedPeriods []domain.Period
}

// Worker drains the usage event queue and applies counter updates,
// sharding by hash(tenant_id) so that two updates for the same tenant are
// never applied out of order or concurrently (spec §5).
type Worker struct {
	queue  *usageevents.Queue
	cache  *cachekv.Cache
	repo   Repository
	cfg    Config
	logger *zap.Logger

	shardCh []chan *domain.UsageLedgerEntry
}

// New builds a Worker. Call Run to start draining.
func New(queue *usageevents.Queue, cache *cachekv.Cache, repo Repository, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	w := &Worker{queue: queue, cache: cache, repo: repo, cfg: cfg, logger: logger}
	w.shardCh = make([]chan *domain.UsageLedgerEntry, cfg.Shards)
	for i := range w.shardCh {
		w.shardCh[i] = make(chan *domain.UsageLedgerEntry, 256)
	}
	return w
}

// Run blocks until ctx is cancelled, popping entries and fanning them out
// to their tenant's shard.
func (w *Worker) Run(ctx context.Context) {
	for i, ch := range w.shardCh {
		go w.drainShard(ctx, i, ch)
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entry, found, err := w.queue.Pop(ctx, popTimeout)
		if err != nil {
			w.logger.Warn("accounting: pop failed", zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		shard := tenantShard(entry.TenantID, len(w.shardCh))
		select {
		case w.shardCh[shard] <- entry:
		case <-ctx.Done():
			return
		}
	}
}

func tenantShard(tenantID int64, shards int) int {
	h := tenantID
	if h < 0 {
		h = -h
	}
	return int(h % int64(shards))
}

func (w *Worker) drainShard(ctx context.Context, id int, ch <-chan *domain.UsageLedgerEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			if err := w.apply(ctx, entry); err != nil {
				w.logger.Error("accounting: failed to apply entry",
					zap.Int("shard", id), zap.String("idempotency_key", entry.IdempotencyKey), zap.Error(err))
			}
		}
	}
}

// apply durably records entry and, only if it had never been seen before,
// updates every counter it contributes to.
func (w *Worker) apply(ctx context.Context, entry *domain.UsageLedgerEntry) error {
	row := toLedgerRow(entry)
	inserted, err := w.repo.TryInsertUsageLedgerEntry(ctx, row)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if !inserted {
		w.logger.Debug("accounting: duplicate entry, skipping counter update",
			zap.String("idempotency_key", entry.IdempotencyKey))
		return nil
	}

	if entry.Outcome != domain.OutcomeSuccess {
		return nil
	}

	if err := w.applyTenantCounters(ctx, entry); err != nil {
		w.logger.Error("accounting: tenant counter update failed", zap.Error(err))
	}
	if entry.SessionID != nil {
		if err := w.applySessionCost(ctx, entry.TenantID, *entry.SessionID, entry.USD); err != nil {
			w.logger.Error("accounting: session cost update failed", zap.Error(err))
		}
	}
	for _, t := range entry.Tags {
		if err := w.applyTagCounter(ctx, entry, t); err != nil {
			w.logger.Error("accounting: tag counter update failed", zap.Int64("tag_id", t.TagID), zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) applyTenantCounters(ctx context.Context, entry *domain.UsageLedgerEntry) error {
	periods := w.cfg.EnforcedPeriods
	if budgets, err := w.repo.GetActiveBudgets(ctx, entry.TenantID); err == nil {
		for _, b := range budgets {
			if !containsPeriod(periods, b.Period) {
				periods = append(periods, b.Period)
			}
		}
	}
	for _, period := range periods {
		lk, err := ledgerkey.For(period, entry.Timestamp, nil)
		if err != nil {
			continue
		}
		if err := w.repo.IncrementCounter(ctx, entry.TenantID, "tenant", lk, entry.USD); err != nil {
			return fmt.Errorf("increment tenant counter (%s): %w", period, err)
		}
		w.refreshCache(ctx, fmt.Sprintf("ledger:%d:%s", entry.TenantID, lk), entry.TenantID, "tenant", lk)
	}
	return nil
}

func containsPeriod(periods []domain.Period, p domain.Period) bool {
	for _, existing := range periods {
		if existing == p {
			return true
		}
	}
	return false
}

func (w *Worker) applySessionCost(ctx context.Context, tenantID int64, sessionID string, delta decimal.Decimal) error {
	session, err := w.repo.ApplySessionCost(ctx, tenantID, sessionID, delta)
	if err != nil {
		return err
	}
	_ = w.cache.Set(ctx, fmt.Sprintf("session_cost:%s", sessionID), session.CurrentCostUSD.String(), 10*time.Minute)
	if encoded, merr := json.Marshal(session); merr == nil {
		_ = w.cache.Set(ctx, fmt.Sprintf("session:%s", sessionID), string(encoded), 10*time.Minute)
	}
	return nil
}

func (w *Worker) applyTagCounter(ctx context.Context, entry *domain.UsageLedgerEntry, t domain.TagWeight) error {
	tb, err := w.repo.GetTagBudget(ctx, t.TagID)
	if err != nil {
		return nil // no budget configured for this tag, nothing to track
	}
	day := ledgerkey.DayBucket(entry.Timestamp)
	weighted := entry.USD.Mul(t.Weight)
	scope := fmt.Sprintf("tag:%d", t.TagID)
	if err := w.repo.IncrementCounter(ctx, entry.TenantID, scope, day, weighted); err != nil {
		return fmt.Errorf("increment tag counter: %w", err)
	}
	w.refreshCache(ctx, fmt.Sprintf("tag_usage:%d:%d:%s:%s", entry.TenantID, t.TagID, tb.Period, day), entry.TenantID, scope, day)
	return nil
}

// refreshCache re-reads a counter from the repository and republishes it to
// the cache so the budget resolver observes the update without waiting out
// the read-through TTL.
func (w *Worker) refreshCache(ctx context.Context, cacheKey string, tenantID int64, scope, ledgerKey string) {
	total, err := w.repo.GetCounter(ctx, tenantID, scope, ledgerKey)
	if err != nil {
		return
	}
	_ = w.cache.Set(ctx, cacheKey, total.String(), time.Hour)
}

func toLedgerRow(entry *domain.UsageLedgerEntry) *db.UsageLedgerRow {
	tags := make(db.JSONB)
	rows := make([]map[string]string, 0, len(entry.Tags))
	for _, t := range entry.Tags {
		rows = append(rows, map[string]string{"tag_id": fmt.Sprintf("%d", t.TagID), "weight": t.Weight.String()})
	}
	tags["tags"] = rows
	return &db.UsageLedgerRow{
		ID:               entry.ID,
		Timestamp:        entry.Timestamp,
		TenantID:         entry.TenantID,
		Route:            entry.Route,
		Model:            entry.Model,
		PromptTokens:     entry.PromptTokens,
		CompletionTokens: entry.CompletionTokens,
		USD:              entry.USD,
		SessionID:        entry.SessionID,
		Outcome:          string(entry.Outcome),
		Tags:             tags,
		IdempotencyKey:   entry.IdempotencyKey,
	}
}
