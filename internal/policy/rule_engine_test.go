package policy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/llmgatewayd/llmgatewayd/internal/budget"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
	"github.com/llmgatewayd/llmgatewayd/internal/ratelimit"
)

func newInput(b *budget.ResolvedBudgets, rl ratelimit.Result) *Input {
	return &Input{TenantID: 1, Model: "gpt-4o", Budgets: b, RateLimit: rl}
}

func TestRuleEngine_AllowsWhenNothingExceeded(t *testing.T) {
	e := NewRuleEngine(zaptest.NewLogger(t))
	b := &budget.ResolvedBudgets{
		TenantID: 1,
		TenantBudgets: []budget.TenantBudgetStatus{
			{Period: domain.PeriodDaily, Amount: decimal.NewFromInt(100), Usage: decimal.NewFromInt(10), UsageKnown: true},
		},
	}
	d, err := e.Evaluate(context.Background(), newInput(b, ratelimit.Result{Allowed: true}))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestRuleEngine_DeniesOnExceededTenantBudget(t *testing.T) {
	e := NewRuleEngine(zaptest.NewLogger(t))
	b := &budget.ResolvedBudgets{
		TenantBudgets: []budget.TenantBudgetStatus{
			{Period: domain.PeriodDaily, Amount: decimal.NewFromInt(100), Usage: decimal.NewFromInt(100), UsageKnown: true},
		},
	}
	d, err := e.Evaluate(context.Background(), newInput(b, ratelimit.Result{Allowed: true}))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "tenant budget exceeded")
}

func TestRuleEngine_DeniesOnUnknownTenantUsage(t *testing.T) {
	e := NewRuleEngine(zaptest.NewLogger(t))
	b := &budget.ResolvedBudgets{
		TenantBudgets: []budget.TenantBudgetStatus{
			{Period: domain.PeriodDaily, Amount: decimal.NewFromInt(100), UsageKnown: false},
		},
	}
	d, err := e.Evaluate(context.Background(), newInput(b, ratelimit.Result{Allowed: true}))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "counter unavailable")
}

func TestRuleEngine_DeniesOnExceededSessionBudget(t *testing.T) {
	e := NewRuleEngine(zaptest.NewLogger(t))
	limit := decimal.NewFromInt(5)
	b := &budget.ResolvedBudgets{
		Session: &budget.SessionBudgetStatus{
			SessionID:       "s1",
			EffectiveBudget: &limit,
			CurrentCost:     decimal.NewFromInt(5),
			CostKnown:       true,
		},
	}
	d, err := e.Evaluate(context.Background(), newInput(b, ratelimit.Result{Allowed: true}))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "session budget exceeded")
}

func TestRuleEngine_DeniesOnExceededStrictTagBudget(t *testing.T) {
	e := NewRuleEngine(zaptest.NewLogger(t))
	b := &budget.ResolvedBudgets{
		TagBudgets: []budget.TagBudgetStatus{
			{
				TagID: 7, Period: domain.PeriodDaily,
				Amount: decimal.NewFromInt(10), Weight: decimal.NewFromInt(1),
				WeightedUsage: decimal.NewFromInt(10), UsageKnown: true,
				InheritanceMode: domain.InheritanceStrict,
			},
		},
	}
	d, err := e.Evaluate(context.Background(), newInput(b, ratelimit.Result{Allowed: true}))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "strict tag budget exceeded")
}

func TestRuleEngine_IgnoresExceededLenientTagBudget(t *testing.T) {
	e := NewRuleEngine(zaptest.NewLogger(t))
	b := &budget.ResolvedBudgets{
		TagBudgets: []budget.TagBudgetStatus{
			{
				TagID: 7, Period: domain.PeriodDaily,
				Amount: decimal.NewFromInt(10), Weight: decimal.NewFromInt(1),
				WeightedUsage: decimal.NewFromInt(999), UsageKnown: true,
				InheritanceMode: domain.InheritanceLenient,
			},
		},
	}
	d, err := e.Evaluate(context.Background(), newInput(b, ratelimit.Result{Allowed: true}))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestRuleEngine_DeniesOnRateLimit(t *testing.T) {
	e := NewRuleEngine(zaptest.NewLogger(t))
	d, err := e.Evaluate(context.Background(), newInput(nil, ratelimit.Result{Allowed: false}))
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "rate limit exceeded")
}

func TestRuleEngine_AllowsWithNoBudgetsConfigured(t *testing.T) {
	e := NewRuleEngine(zaptest.NewLogger(t))
	d, err := e.Evaluate(context.Background(), newInput(nil, ratelimit.Result{Allowed: true}))
	require.NoError(t, err)
	assert.True(t, d.Allow)
}
