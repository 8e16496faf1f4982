package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("db: record not found")

// GetApiKey resolves a bearer secret to its tenant, the miss path the
// admission pipeline falls through to on a cache miss.
func (c *Client) GetApiKey(ctx context.Context, secret string) (domain.ApiKey, error) {
	var row domain.ApiKey
	err := c.sqlxdb.GetContext(ctx, &row, `
		SELECT secret, tenant_id, is_active, created_at, last_used_at
		FROM api_keys WHERE secret = $1
	`, secret)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApiKey{}, ErrNotFound
	}
	if err != nil {
		return domain.ApiKey{}, fmt.Errorf("get api key: %w", err)
	}
	return row, nil
}

// GetTenant loads a tenant row by id.
func (c *Client) GetTenant(ctx context.Context, tenantID int64) (domain.Tenant, error) {
	var row domain.Tenant
	err := c.sqlxdb.GetContext(ctx, &row, `
		SELECT id, name, rate_limit_per_minute, default_session_budget
		FROM tenants WHERE id = $1
	`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tenant{}, ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	return row, nil
}

// GetActiveBudgets returns every active budget row for a tenant (at most
// one per period for daily/monthly, per spec §3's uniqueness invariant).
func (c *Client) GetActiveBudgets(ctx context.Context, tenantID int64) ([]domain.Budget, error) {
	var rows []domain.Budget
	err := c.sqlxdb.SelectContext(ctx, &rows, `
		SELECT tenant_id, period, amount_usd, start_date, end_date
		FROM budgets WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get active budgets: %w", err)
	}
	return rows, nil
}

// GetSession loads a session row, or ErrNotFound if it has never been
// created.
func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	var row domain.Session
	err := c.sqlxdb.GetContext(ctx, &row, `
		SELECT session_id, tenant_id, name, effective_budget_usd, current_cost_usd,
		       status, created_at, last_active_at, request_count
		FROM sessions WHERE session_id = $1
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return row, nil
}

// UpsertSession creates a session row on first use. Only the accounting
// worker ever mutates an existing row afterward (spec §5(c)).
func (c *Client) UpsertSession(ctx context.Context, s domain.Session) error {
	_, err := c.sqlxdb.NamedExecContext(ctx, `
		INSERT INTO sessions (
			session_id, tenant_id, name, effective_budget_usd, current_cost_usd,
			status, created_at, last_active_at, request_count
		) VALUES (
			:session_id, :tenant_id, :name, :effective_budget_usd, :current_cost_usd,
			:status, :created_at, :last_active_at, :request_count
		)
		ON CONFLICT (session_id) DO NOTHING
	`, s)
	return err
}

// GetTagsForTenant loads every tag row for a tenant, the flat slice
// internal/tags.NewArena builds its index arena from.
func (c *Client) GetTagsForTenant(ctx context.Context, tenantID int64) ([]domain.Tag, error) {
	var rows []domain.Tag
	err := c.sqlxdb.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, name, parent_id, path, is_active, color, description
		FROM tags WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get tags for tenant: %w", err)
	}
	return rows, nil
}

// GetTagBudget loads the active TagBudget for a tag, if any.
func (c *Client) GetTagBudget(ctx context.Context, tagID int64) (domain.TagBudget, error) {
	var row domain.TagBudget
	err := c.sqlxdb.GetContext(ctx, &row, `
		SELECT tag_id, period, amount_usd, weight, inheritance_mode, is_active, start_date, end_date
		FROM tag_budgets WHERE tag_id = $1 AND is_active = true
	`, tagID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TagBudget{}, ErrNotFound
	}
	if err != nil {
		return domain.TagBudget{}, fmt.Errorf("get tag budget: %w", err)
	}
	return row, nil
}

// GetModelPricing loads the current pricing row for a model.
func (c *Client) GetModelPricing(ctx context.Context, model string) (domain.ModelPricing, error) {
	var row domain.ModelPricing
	err := c.sqlxdb.GetContext(ctx, &row, `
		SELECT model, version_tag, input_price, cached_input_price, output_price, provider
		FROM model_pricing WHERE model = $1
	`, model)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModelPricing{}, ErrNotFound
	}
	if err != nil {
		return domain.ModelPricing{}, fmt.Errorf("get model pricing: %w", err)
	}
	return row, nil
}

// GetCounter returns the current total for a (tenant, scope, ledgerKey)
// counter, or decimal.Zero if it has never been written.
func (c *Client) GetCounter(ctx context.Context, tenantID int64, scope, ledgerKey string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := c.sqlxdb.GetContext(ctx, &total, `
		SELECT total_usd FROM counters WHERE tenant_id = $1 AND scope = $2 AND ledger_key = $3
	`, tenantID, scope, ledgerKey)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get counter: %w", err)
	}
	return total, nil
}

// IncrementCounter atomically adds delta to a counter row, creating it if
// absent. This is the only write path for a counter outside of the
// administrative rollback contract (spec §5(b)).
func (c *Client) IncrementCounter(ctx context.Context, tenantID int64, scope, ledgerKey string, delta decimal.Decimal) error {
	_, err := c.sqlxdb.ExecContext(ctx, `
		INSERT INTO counters (tenant_id, scope, ledger_key, total_usd)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, scope, ledger_key)
		DO UPDATE SET total_usd = counters.total_usd + EXCLUDED.total_usd
	`, tenantID, scope, ledgerKey, delta)
	return err
}

// RollbackCounter subtracts amount from a counter's total, the externally
// triggered administrative path spec §5(b) explicitly permits (this is the
// only sanctioned decrement of an otherwise monotonic counter).
func (c *Client) RollbackCounter(ctx context.Context, tenantID int64, scope, ledgerKey string, amount decimal.Decimal) error {
	return c.IncrementCounter(ctx, tenantID, scope, ledgerKey, amount.Neg())
}

// ApplySessionCost adds delta to a session's running cost, creating the row
// on first use if it does not exist yet, and transitions its status to
// budget_exceeded once the new total reaches the effective budget. This is
// the only write path to a session row (spec §5(c): the admission pipeline
// reads sessions but never writes them, it only writes session cost
// through the event stream the accounting worker drains).
func (c *Client) ApplySessionCost(ctx context.Context, tenantID int64, sessionID string, delta decimal.Decimal) (domain.Session, error) {
	var row domain.Session
	err := c.sqlxdb.GetContext(ctx, &row, `
		INSERT INTO sessions (session_id, tenant_id, current_cost_usd, status, created_at, last_active_at, request_count)
		VALUES ($1, $2, $3, 'active', now(), now(), 1)
		ON CONFLICT (session_id) DO UPDATE SET
		    current_cost_usd = sessions.current_cost_usd + $3,
		    status = CASE
		        WHEN sessions.status = 'active' AND sessions.effective_budget_usd IS NOT NULL
		             AND sessions.current_cost_usd + $3 >= sessions.effective_budget_usd THEN 'budget_exceeded'
		        ELSE sessions.status
		    END,
		    last_active_at = now(),
		    request_count = sessions.request_count + 1
		RETURNING session_id, tenant_id, name, effective_budget_usd, current_cost_usd,
		          status, created_at, last_active_at, request_count
	`, sessionID, tenantID, delta)
	if err != nil {
		return domain.Session{}, fmt.Errorf("apply session cost: %w", err)
	}
	return row, nil
}

// TryInsertUsageLedgerEntry inserts e unless idempotency_key already exists,
// reporting whether a new row was actually written so the accounting worker
// can skip counter increments on an at-least-once redelivery.
func (c *Client) TryInsertUsageLedgerEntry(ctx context.Context, e *UsageLedgerRow) (inserted bool, err error) {
	rows, err := c.sqlxdb.NamedQueryContext(ctx, `
		INSERT INTO usage_ledger_entries (
			id, ts, tenant_id, route, model, prompt_tokens, completion_tokens,
			usd, session_id, outcome, tags, idempotency_key
		) VALUES (
			:id, :ts, :tenant_id, :route, :model, :prompt_tokens, :completion_tokens,
			:usd, :session_id, :outcome, :tags, :idempotency_key
		)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, e)
	if err != nil {
		return false, fmt.Errorf("try insert usage ledger entry: %w", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}
