package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/llmgatewayd/llmgatewayd/internal/cachekv"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

type fakeRepo struct {
	budgets    map[int64][]domain.Budget
	sessions   map[string]domain.Session
	tenants    map[int64]domain.Tenant
	tagsByTen  map[int64][]domain.Tag
	tagBudgets map[int64]domain.TagBudget
	counters   map[string]decimal.Decimal
	failCounter bool
}

func (f *fakeRepo) GetActiveBudgets(ctx context.Context, tenantID int64) ([]domain.Budget, error) {
	return f.budgets[tenantID], nil
}
func (f *fakeRepo) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return domain.Session{}, assertErr
	}
	return s, nil
}
func (f *fakeRepo) GetTenant(ctx context.Context, tenantID int64) (domain.Tenant, error) {
	t, ok := f.tenants[tenantID]
	if !ok {
		return domain.Tenant{}, assertErr
	}
	return t, nil
}
func (f *fakeRepo) GetTagsForTenant(ctx context.Context, tenantID int64) ([]domain.Tag, error) {
	return f.tagsByTen[tenantID], nil
}
func (f *fakeRepo) GetTagBudget(ctx context.Context, tagID int64) (domain.TagBudget, error) {
	tb, ok := f.tagBudgets[tagID]
	if !ok {
		return domain.TagBudget{}, assertErr
	}
	return tb, nil
}
func (f *fakeRepo) GetCounter(ctx context.Context, tenantID int64, scope, ledgerKey string) (decimal.Decimal, error) {
	if f.failCounter {
		return decimal.Zero, assertErr
	}
	return f.counters[scope+":"+ledgerKey], nil
}

var assertErr = &fakeError{"not found"}

type fakeError struct{ s string }

func (e *fakeError) Error() string { return e.s }

func newResolver(t *testing.T, repo Repository, cfg Config) *Resolver {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := cachekv.New(client, zaptest.NewLogger(t))
	return New(cache, repo, cfg, zaptest.NewLogger(t))
}

func TestResolve_TenantBudgetUsageKnown(t *testing.T) {
	repo := &fakeRepo{
		budgets: map[int64][]domain.Budget{
			1: {{TenantID: 1, Period: domain.PeriodDaily, AmountUSD: decimal.NewFromInt(100)}},
		},
		counters: map[string]decimal.Decimal{
			"tenant:2026-07-29": decimal.NewFromInt(10),
		},
	}
	r := newResolver(t, repo, Config{})

	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	result, err := r.Resolve(context.Background(), 1, nil, nil, at)
	require.NoError(t, err)
	require.Len(t, result.TenantBudgets, 1)
	assert.True(t, result.TenantBudgets[0].UsageKnown)
	assert.True(t, result.TenantBudgets[0].Usage.Equal(decimal.NewFromInt(10)))
}

func TestResolve_ConfiguredBudgetUndefinedCounterIsUnknown(t *testing.T) {
	repo := &fakeRepo{
		budgets: map[int64][]domain.Budget{
			1: {{TenantID: 1, Period: domain.PeriodDaily, AmountUSD: decimal.NewFromInt(100)}},
		},
		failCounter: true,
	}
	r := newResolver(t, repo, Config{})

	result, err := r.Resolve(context.Background(), 1, nil, nil, time.Now())
	require.NoError(t, err)
	require.Len(t, result.TenantBudgets, 1)
	assert.False(t, result.TenantBudgets[0].UsageKnown)
}

func TestResolve_SessionBudgetFallsBackToTenantDefault(t *testing.T) {
	defBudget := decimal.NewFromInt(5)
	repo := &fakeRepo{
		tenants: map[int64]domain.Tenant{1: {ID: 1, DefaultSessionBudget: &defBudget}},
	}
	r := newResolver(t, repo, Config{})

	sid := "sess-1"
	result, err := r.Resolve(context.Background(), 1, &sid, nil, time.Now())
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	require.NotNil(t, result.Session.EffectiveBudget)
	assert.True(t, result.Session.EffectiveBudget.Equal(defBudget))
}

func TestResolve_UnknownTagIgnoredWithWarning(t *testing.T) {
	repo := &fakeRepo{tagsByTen: map[int64][]domain.Tag{1: {}}}
	r := newResolver(t, repo, Config{})

	result, err := r.Resolve(context.Background(), 1, nil, []string{"nonexistent"}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, result.TagBudgets)
}
