// Package budget implements the hierarchical budget resolver (C3): given a
// tenant, optional session, and the tags attached to a request, it answers
// "what monetary ceilings apply, and how much of each has been used". The
// tag list and the active periods are loaded first; then every tenant
// budget, the session budget and every tag budget is resolved in its own
// goroutine. Each datum is read with its own cache Get and, on a miss,
// its own DB read; the cache is not read in one batched multi-get. The
// policy engine (internal/policy) is the
// only consumer that decides allow/deny from the result.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/cachekv"
	"github.com/llmgatewayd/llmgatewayd/internal/db"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
	"github.com/llmgatewayd/llmgatewayd/internal/ledgerkey"
	"github.com/llmgatewayd/llmgatewayd/internal/tags"
)

// ErrResolutionFailed is returned when an ancestor walk exceeds its depth
// cap or another structural error prevents producing a ResolvedBudgets at
// all (as opposed to a partial result, which is not an error).
var ErrResolutionFailed = errors.New("budget: resolution failed")

// dbReadTimeout bounds each fallback DB read issued for a cache miss, per
// spec §4.3 step 4.
const dbReadTimeout = 5 * time.Second

// TenantBudgetStatus is one active tenant-level budget and its usage.
type TenantBudgetStatus struct {
	Period domain.Period
	Amount decimal.Decimal
	Usage  decimal.Decimal
	// UsageKnown is false when the counter could not be resolved (cache
	// miss + DB read failure); the policy engine must then deny, per the
	// "undefined counter for a configured budget denies" resolution.
	UsageKnown bool
}

// SessionBudgetStatus is the effective session ceiling: an explicit
// override if the session carries one, else the tenant default, else
// unbounded (EffectiveBudget == nil).
type SessionBudgetStatus struct {
	SessionID       string
	EffectiveBudget *decimal.Decimal
	CurrentCost     decimal.Decimal
	CostKnown       bool
}

// TagBudgetStatus is one tag (own or STRICT/LENIENT ancestor) budget and
// its weighted usage.
type TagBudgetStatus struct {
	TagID           int64
	Period          domain.Period
	Amount          decimal.Decimal
	Weight          decimal.Decimal
	WeightedUsage   decimal.Decimal
	UsageKnown      bool
	InheritanceMode domain.InheritanceMode
}

// ResolvedBudgets is the full set of applicable budgets for one admission
// decision.
type ResolvedBudgets struct {
	TenantID      int64
	TenantBudgets []TenantBudgetStatus
	Session       *SessionBudgetStatus
	TagBudgets    []TagBudgetStatus
}

// Config supplies the fallback ceilings and enforced periods used when a
// tenant has no budget of its own configured, per spec §6's
// DEFAULT_BUDGET_USD / BUDGET_DAILY_USD / BUDGET_MONTHLY_USD / BUDGET_PERIODS.
type Config struct {
	DefaultSessionBudgetUSD decimal.Decimal
	DailyUSD                decimal.Decimal
	MonthlyUSD              decimal.Decimal
	EnforcedPeriods         []domain.Period
}

// Repository is the subset of *db.Client the resolver needs, declared here
// so tests can supply a fake without pulling in sqlx/sqlmock.
type Repository interface {
	GetActiveBudgets(ctx context.Context, tenantID int64) ([]domain.Budget, error)
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	GetTenant(ctx context.Context, tenantID int64) (domain.Tenant, error)
	GetTagsForTenant(ctx context.Context, tenantID int64) ([]domain.Tag, error)
	GetTagBudget(ctx context.Context, tagID int64) (domain.TagBudget, error)
	GetCounter(ctx context.Context, tenantID int64, scope, ledgerKey string) (decimal.Decimal, error)
}

var _ Repository = (*db.Client)(nil)

// Resolver implements C3.
type Resolver struct {
	cache  *cachekv.Cache
	repo   Repository
	cfg    Config
	logger *zap.Logger
}

// New builds a Resolver.
func New(cache *cachekv.Cache, repo Repository, cfg Config, logger *zap.Logger) *Resolver {
	return &Resolver{cache: cache, repo: repo, cfg: cfg, logger: logger}
}

// tagRef is a tag the request carries, or an ancestor it inherits from,
// plus a weight. expandTagRefs records every ref at weight 1; the Weight
// reported in a TagBudgetStatus comes from that tag's own TagBudget.
type tagRef struct {
	tagID  int64
	weight decimal.Decimal
}

// Resolve implements the C3 public contract: resolve(tenant, session_id?,
// tag_refs) -> ResolvedBudgets.
func (r *Resolver) Resolve(ctx context.Context, tenantID int64, sessionID *string, tagNames []string, at time.Time) (*ResolvedBudgets, error) {
	out := &ResolvedBudgets{TenantID: tenantID}

	arena, byName, err := r.loadTagArena(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	refs, err := r.expandTagRefs(arena, byName, tagNames)
	if err != nil {
		return nil, err
	}

	periods := r.activePeriodsFor(ctx, tenantID)

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range periods {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := r.resolveTenantBudget(ctx, tenantID, p, at)
			mu.Lock()
			out.TenantBudgets = append(out.TenantBudgets, status)
			mu.Unlock()
		}()
	}

	if sessionID != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.Session = r.resolveSessionBudget(ctx, tenantID, *sessionID)
		}()
	}

	for _, ref := range refs {
		ref := ref
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, ok := r.resolveTagBudget(ctx, tenantID, ref, at)
			if ok {
				mu.Lock()
				out.TagBudgets = append(out.TagBudgets, status)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return out, nil
}

func (r *Resolver) loadTagArena(ctx context.Context, tenantID int64) (*tags.Arena, map[string]int64, error) {
	key := fmt.Sprintf("tags:tenant:%d", tenantID)
	var rows []domain.Tag

	if cached, found, err := r.cache.Get(ctx, key); err == nil && found && cached != cachekv.NullSentinel {
		_ = json.Unmarshal([]byte(cached), &rows)
	}
	if rows == nil {
		dctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
		defer cancel()
		var err error
		rows, err = r.repo.GetTagsForTenant(dctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
		if encoded, err := json.Marshal(rows); err == nil {
			_ = r.cache.Set(ctx, key, string(encoded), 5*time.Minute)
		}
	}

	arena, err := tags.NewArena(rows)
	if err != nil {
		return nil, nil, err
	}
	byName := make(map[string]int64, len(rows))
	for _, t := range rows {
		byName[t.Name] = t.ID
	}
	return arena, byName, nil
}

func (r *Resolver) expandTagRefs(arena *tags.Arena, byName map[string]int64, tagNames []string) ([]tagRef, error) {
	var refs []tagRef
	seen := map[int64]bool{}

	add := func(id int64, weight decimal.Decimal) {
		if seen[id] {
			return
		}
		seen[id] = true
		refs = append(refs, tagRef{tagID: id, weight: weight})
	}

	for _, name := range tagNames {
		id, ok := byName[name]
		if !ok {
			r.logger.Warn("budget: unknown tag ignored", zap.String("tag", name))
			continue
		}
		add(id, decimal.NewFromInt(1))

		ancestors, err := arena.AncestorsWithInheritance(id, func(tagID int64) (domain.TagBudget, bool) {
			tb, ferr := r.repo.GetTagBudget(context.Background(), tagID)
			return tb, ferr == nil
		})
		if err != nil {
			if errors.Is(err, tags.ErrWalkTooDeep) {
				return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
			}
			return nil, err
		}
		for _, a := range ancestors {
			add(a.Tag.ID, decimal.NewFromInt(1))
		}
	}
	return refs, nil
}

func (r *Resolver) activePeriodsFor(ctx context.Context, tenantID int64) []domain.Period {
	dctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
	defer cancel()
	budgets, err := r.repo.GetActiveBudgets(dctx, tenantID)
	if err == nil && len(budgets) > 0 {
		out := make([]domain.Period, 0, len(budgets))
		for _, b := range budgets {
			out = append(out, b.Period)
		}
		return out
	}
	return r.cfg.EnforcedPeriods
}

func (r *Resolver) resolveTenantBudget(ctx context.Context, tenantID int64, period domain.Period, at time.Time) TenantBudgetStatus {
	amount := r.fallbackAmount(period)
	configKey := fmt.Sprintf("budget:%d:%s", tenantID, period)

	if cached, found, err := r.cache.Get(ctx, configKey); err == nil && found && cached != cachekv.NullSentinel {
		if parsed, perr := decimal.NewFromString(cached); perr == nil {
			amount = parsed
		}
	} else {
		dctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
		budgets, berr := r.repo.GetActiveBudgets(dctx, tenantID)
		cancel()
		if berr == nil {
			for _, b := range budgets {
				if b.Period == period {
					amount = b.AmountUSD
					_ = r.cache.Set(ctx, configKey, amount.String(), 10*time.Minute)
					break
				}
			}
		}
	}

	lk, lerr := ledgerkey.For(period, at, nil)
	if lerr != nil {
		return TenantBudgetStatus{Period: period, Amount: amount, UsageKnown: false}
	}
	counterKey := fmt.Sprintf("ledger:%d:%s", tenantID, lk)

	usage, known := r.readCounter(ctx, counterKey, tenantID, "tenant", lk, period)
	return TenantBudgetStatus{Period: period, Amount: amount, Usage: usage, UsageKnown: known}
}

func (r *Resolver) fallbackAmount(period domain.Period) decimal.Decimal {
	switch period {
	case domain.PeriodDaily:
		return r.cfg.DailyUSD
	case domain.PeriodMonthly:
		return r.cfg.MonthlyUSD
	default:
		return decimal.Zero
	}
}

func (r *Resolver) readCounter(ctx context.Context, cacheKey string, tenantID int64, scope, ledgerKey string, period domain.Period) (decimal.Decimal, bool) {
	if cached, found, err := r.cache.Get(ctx, cacheKey); err == nil && found {
		if cached == cachekv.NullSentinel {
			return decimal.Zero, true
		}
		if parsed, perr := decimal.NewFromString(cached); perr == nil {
			return parsed, true
		}
	}
	dctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
	defer cancel()
	total, err := r.repo.GetCounter(dctx, tenantID, scope, ledgerKey)
	if err != nil {
		return decimal.Zero, false
	}
	ttl := periodTTL(period)
	_ = r.cache.Set(ctx, cacheKey, total.String(), ttl)
	return total, true
}

func periodTTL(period domain.Period) time.Duration {
	switch period {
	case domain.PeriodDaily:
		return 24 * time.Hour
	case domain.PeriodMonthly:
		return 31 * 24 * time.Hour
	default:
		return time.Hour
	}
}

func (r *Resolver) resolveSessionBudget(ctx context.Context, tenantID int64, sessionID string) *SessionBudgetStatus {
	rowKey := fmt.Sprintf("session:%s", sessionID)
	costKey := fmt.Sprintf("session_cost:%s", sessionID)

	status := &SessionBudgetStatus{SessionID: sessionID}

	var session domain.Session
	haveSession := false
	if cached, found, err := r.cache.Get(ctx, rowKey); err == nil && found && cached != cachekv.NullSentinel {
		if json.Unmarshal([]byte(cached), &session) == nil {
			haveSession = true
		}
	}
	if !haveSession {
		dctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
		s, err := r.repo.GetSession(dctx, sessionID)
		cancel()
		if err == nil {
			session = s
			haveSession = true
			if encoded, merr := json.Marshal(s); merr == nil {
				_ = r.cache.Set(ctx, rowKey, string(encoded), 10*time.Minute)
			}
		}
	}

	if haveSession && session.EffectiveBudgetUSD != nil {
		status.EffectiveBudget = session.EffectiveBudgetUSD
	} else {
		status.EffectiveBudget = r.tenantDefaultSessionBudget(ctx, tenantID)
	}

	if cached, found, err := r.cache.Get(ctx, costKey); err == nil && found {
		if cached == cachekv.NullSentinel {
			status.CurrentCost = decimal.Zero
			status.CostKnown = true
		} else if parsed, perr := decimal.NewFromString(cached); perr == nil {
			status.CurrentCost = parsed
			status.CostKnown = true
		}
	} else if haveSession {
		status.CurrentCost = session.CurrentCostUSD
		status.CostKnown = true
		_ = r.cache.Set(ctx, costKey, session.CurrentCostUSD.String(), 10*time.Minute)
	}

	return status
}

func (r *Resolver) tenantDefaultSessionBudget(ctx context.Context, tenantID int64) *decimal.Decimal {
	key := fmt.Sprintf("tenant_session_budget:%d", tenantID)
	if cached, found, err := r.cache.Get(ctx, key); err == nil && found {
		if cached == cachekv.NullSentinel {
			return nil
		}
		if parsed, perr := decimal.NewFromString(cached); perr == nil {
			return &parsed
		}
	}
	dctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
	defer cancel()
	tenant, err := r.repo.GetTenant(dctx, tenantID)
	if err != nil || tenant.DefaultSessionBudget == nil {
		if !r.cfg.DefaultSessionBudgetUSD.IsZero() {
			return &r.cfg.DefaultSessionBudgetUSD
		}
		_ = r.cache.SetNull(ctx, key, time.Hour)
		return nil
	}
	_ = r.cache.Set(ctx, key, tenant.DefaultSessionBudget.String(), time.Hour)
	return tenant.DefaultSessionBudget
}

func (r *Resolver) resolveTagBudget(ctx context.Context, tenantID int64, ref tagRef, at time.Time) (TagBudgetStatus, bool) {
	cfgKey := fmt.Sprintf("tag_session_budget:%d", ref.tagID)

	var tb domain.TagBudget
	haveBudget := false
	if cached, found, err := r.cache.Get(ctx, cfgKey); err == nil && found {
		if cached == cachekv.NullSentinel {
			return TagBudgetStatus{}, false
		}
		if json.Unmarshal([]byte(cached), &tb) == nil {
			haveBudget = true
		}
	}
	if !haveBudget {
		dctx, cancel := context.WithTimeout(ctx, dbReadTimeout)
		loaded, err := r.repo.GetTagBudget(dctx, ref.tagID)
		cancel()
		if err != nil {
			_ = r.cache.SetNull(ctx, cfgKey, 30*time.Minute)
			return TagBudgetStatus{}, false
		}
		tb = loaded
		haveBudget = true
		if encoded, merr := json.Marshal(tb); merr == nil {
			_ = r.cache.Set(ctx, cfgKey, string(encoded), 30*time.Minute)
		}
	}
	if !haveBudget || !tb.IsActive {
		return TagBudgetStatus{}, false
	}

	day := ledgerkey.DayBucket(at)
	counterKey := fmt.Sprintf("tag_usage:%d:%d:%s:%s", tenantID, ref.tagID, tb.Period, day)
	usage, known := r.readCounter(ctx, counterKey, tenantID, fmt.Sprintf("tag:%d", ref.tagID), day, tb.Period)

	return TagBudgetStatus{
		TagID:           ref.tagID,
		Period:          tb.Period,
		Amount:          tb.AmountUSD,
		Weight:          tb.Weight,
		WeightedUsage:   usage,
		UsageKnown:      known,
		InheritanceMode: tb.InheritanceMode,
	}, true
}
