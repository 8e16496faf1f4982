package policy

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

// RuleEngine is the default admission engine: a fixed, declarative rule
// table evaluated in the exact order spec §4.5 specifies. It never reads
// the cache or DB itself — it only judges the ResolvedBudgets and
// ratelimit.Result it is handed.
type RuleEngine struct {
	logger *zap.Logger
}

// NewRuleEngine builds the default engine.
func NewRuleEngine(logger *zap.Logger) *RuleEngine {
	return &RuleEngine{logger: logger}
}

// Evaluate applies, in order: tenant budgets, session budget, STRICT tag
// budgets, rate limit. The first rule that denies wins; if none deny, the
// request is allowed. An UsageKnown == false on any configured budget is
// itself treated as a deny, per the "undefined counter denies" resolution.
func (e *RuleEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()
	decision := e.evaluateLocked(input)
	duration := time.Since(start)

	label := "allow"
	if !decision.Allow {
		label = "deny"
		RecordDenyReason(decision.Reason, string(ModeEnforce))
	}
	RecordEvaluation(label, string(ModeEnforce), decision.Reason)
	RecordEvaluationDuration(string(ModeEnforce), duration.Seconds())
	return decision, nil
}

func (e *RuleEngine) evaluateLocked(input *Input) *Decision {
	tags := map[string]string{"tenant_id": strconv.FormatInt(input.TenantID, 10)}

	if input.Budgets != nil {
		for _, tb := range input.Budgets.TenantBudgets {
			if !tb.UsageKnown {
				return &Decision{Allow: false, Reason: "tenant budget usage counter unavailable", AuditTags: tags}
			}
			if tb.Usage.GreaterThanOrEqual(tb.Amount) {
				return &Decision{Allow: false, Reason: "tenant budget exceeded for period " + string(tb.Period), AuditTags: tags}
			}
		}

		if s := input.Budgets.Session; s != nil && s.EffectiveBudget != nil {
			if !s.CostKnown {
				return &Decision{Allow: false, Reason: "session cost counter unavailable", AuditTags: tags}
			}
			if s.CurrentCost.GreaterThanOrEqual(*s.EffectiveBudget) {
				return &Decision{Allow: false, Reason: "session budget exceeded", AuditTags: tags}
			}
		}

		for _, tb := range input.Budgets.TagBudgets {
			if tb.InheritanceMode != domain.InheritanceStrict {
				continue
			}
			if !tb.UsageKnown {
				return &Decision{Allow: false, Reason: "tag budget usage counter unavailable", AuditTags: tags}
			}
			if tb.WeightedUsage.GreaterThanOrEqual(tb.Amount) {
				return &Decision{Allow: false, Reason: "strict tag budget exceeded", AuditTags: tags}
			}
		}
	}

	if !input.RateLimit.Allowed {
		return &Decision{Allow: false, Reason: "rate limit exceeded", AuditTags: tags}
	}

	return &Decision{Allow: true, Reason: "allowed", AuditTags: tags}
}

// LoadPolicies is a no-op: the rule table is compiled into the binary.
func (e *RuleEngine) LoadPolicies() error { return nil }

// IsEnabled is always true — the rule table has no disabled state.
func (e *RuleEngine) IsEnabled() bool { return true }

// Environment is unset for the rule engine; it has no per-environment
// behavior.
func (e *RuleEngine) Environment() string { return "" }

// Mode is always ModeEnforce: the rule table has no dry-run concept of its
// own (dry-run is a property of the OPA-backed alternate's canary rollout).
func (e *RuleEngine) Mode() Mode { return ModeEnforce }
