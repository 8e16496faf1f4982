// Package domain holds the core entities shared across the admission and
// accounting pipelines: tenants, keys, budgets, tags, sessions, and ledger
// records. These mirror the relational schema an external admin surface
// manages; the core only reads and writes them through internal/db's
// repositories.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Period enumerates the recurrence of a monetary budget.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodCustom  Period = "custom"
)

// InheritanceMode controls how a tag budget participates in ancestor walks.
type InheritanceMode string

const (
	InheritanceStrict  InheritanceMode = "STRICT"
	InheritanceLenient InheritanceMode = "LENIENT"
	InheritanceNone    InheritanceMode = "NONE"
)

// Outcome is the terminal classification of a priced request, recorded on
// every UsageLedgerEntry.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
)

// SessionStatus tracks a Session's lifecycle.
type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionBudgetExceeded SessionStatus = "budget_exceeded"
	SessionCompleted      SessionStatus = "completed"
	SessionError          SessionStatus = "error"
)

// Tenant is the billing and policy principal.
type Tenant struct {
	ID                   int64            `db:"id" json:"id"`
	Name                 string           `db:"name" json:"name"`
	RateLimitPerMinute   *int             `db:"rate_limit_per_minute" json:"rate_limit_per_minute,omitempty"`
	DefaultSessionBudget *decimal.Decimal `db:"default_session_budget" json:"default_session_budget,omitempty"`
}

// ApiKey is the bearer credential presented on inference routes.
type ApiKey struct {
	Secret     string     `db:"secret" json:"-"`
	TenantID   int64      `db:"tenant_id" json:"tenant_id"`
	IsActive   bool       `db:"is_active" json:"is_active"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

// Budget is a monetary ceiling on a tenant for a recurring or custom period.
type Budget struct {
	TenantID  int64           `db:"tenant_id" json:"tenant_id"`
	Period    Period          `db:"period" json:"period"`
	AmountUSD decimal.Decimal `db:"amount_usd" json:"amount_usd"`
	StartDate *time.Time      `db:"start_date" json:"start_date,omitempty"`
	EndDate   *time.Time      `db:"end_date" json:"end_date,omitempty"`
}

// Validate enforces the period/date invariants from spec.md §3.
func (b Budget) Validate() error {
	switch b.Period {
	case PeriodCustom:
		if b.StartDate == nil || b.EndDate == nil {
			return errInvalidBudget("custom budget requires start_date and end_date")
		}
		if !b.StartDate.Before(*b.EndDate) {
			return errInvalidBudget("custom budget start_date must be before end_date")
		}
	case PeriodDaily, PeriodMonthly:
		if b.StartDate != nil || b.EndDate != nil {
			return errInvalidBudget("daily/monthly budgets must not carry explicit dates")
		}
	default:
		return errInvalidBudget("unknown period: " + string(b.Period))
	}
	if b.AmountUSD.IsNegative() {
		return errInvalidBudget("amount_usd must be >= 0")
	}
	return nil
}

type budgetError string

func (e budgetError) Error() string { return string(e) }
func errInvalidBudget(msg string) error { return budgetError(msg) }

// Tag is a node in a per-tenant cost-attribution tree.
type Tag struct {
	ID          int64   `db:"id" json:"id"`
	TenantID    int64   `db:"tenant_id" json:"tenant_id"`
	Name        string  `db:"name" json:"name"`
	ParentID    *int64  `db:"parent_id" json:"parent_id,omitempty"`
	Path        string  `db:"path" json:"path"`
	IsActive    bool    `db:"is_active" json:"is_active"`
	Color       *string `db:"color" json:"color,omitempty"`
	Description *string `db:"description" json:"description,omitempty"`
}

// TagBudget is a monetary ceiling attached to a Tag.
type TagBudget struct {
	TagID           int64           `db:"tag_id" json:"tag_id"`
	Period          Period          `db:"period" json:"period"`
	AmountUSD       decimal.Decimal `db:"amount_usd" json:"amount_usd"`
	Weight          decimal.Decimal `db:"weight" json:"weight"`
	InheritanceMode InheritanceMode `db:"inheritance_mode" json:"inheritance_mode"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	StartDate       *time.Time      `db:"start_date" json:"start_date,omitempty"`
	EndDate         *time.Time      `db:"end_date" json:"end_date,omitempty"`
}

// MinWeight and MaxWeight bound TagBudget.Weight per spec.md §3.
var (
	MinWeight = decimal.NewFromFloat(0.1)
	MaxWeight = decimal.NewFromFloat(3.0)
)

// ModelPricing is the current per-model pricing row (per 1M tokens).
type ModelPricing struct {
	Model            string          `db:"model" json:"model"`
	VersionTag       string          `db:"version_tag" json:"version_tag"`
	InputPrice       decimal.Decimal `db:"input_price" json:"input_price"`
	CachedInputPrice decimal.Decimal `db:"cached_input_price" json:"cached_input_price"`
	OutputPrice      decimal.Decimal `db:"output_price" json:"output_price"`
	Provider         string          `db:"provider" json:"provider"`
}

// Session correlates a sequence of inference requests under one cost ceiling.
type Session struct {
	SessionID          string          `db:"session_id" json:"session_id"`
	TenantID           int64           `db:"tenant_id" json:"tenant_id"`
	Name               *string         `db:"name" json:"name,omitempty"`
	EffectiveBudgetUSD *decimal.Decimal `db:"effective_budget_usd" json:"effective_budget_usd,omitempty"`
	CurrentCostUSD     decimal.Decimal `db:"current_cost_usd" json:"current_cost_usd"`
	Status             SessionStatus   `db:"status" json:"status"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	LastActiveAt       time.Time       `db:"last_active_at" json:"last_active_at"`
	RequestCount       int64           `db:"request_count" json:"request_count"`
}

// IsOverBudget reports whether the session has reached its ceiling.
func (s Session) IsOverBudget() bool {
	return s.EffectiveBudgetUSD != nil && s.CurrentCostUSD.GreaterThanOrEqual(*s.EffectiveBudgetUSD)
}

// TagWeight is an effective (tag id, weight) pair attached to a ledger entry.
type TagWeight struct {
	TagID  int64           `json:"tag_id"`
	Weight decimal.Decimal `json:"weight"`
}

// UsageLedgerEntry is an append-only record of one priced request.
type UsageLedgerEntry struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	Timestamp        time.Time       `db:"ts" json:"ts"`
	TenantID         int64           `db:"tenant_id" json:"tenant_id"`
	Route            string          `db:"route" json:"route"`
	Model            string          `db:"model" json:"model"`
	PromptTokens     int64           `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64           `db:"completion_tokens" json:"completion_tokens"`
	USD              decimal.Decimal `db:"usd" json:"usd"`
	SessionID        *string         `db:"session_id" json:"session_id,omitempty"`
	Outcome          Outcome         `db:"outcome" json:"outcome"`
	Tags             []TagWeight     `db:"-" json:"tags,omitempty"`
	IdempotencyKey   string          `db:"idempotency_key" json:"idempotency_key"`
}
