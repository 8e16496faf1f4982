// Package policy implements the admission decision (C5): given the budgets
// resolved by internal/budget and the verdict from internal/ratelimit, it
// answers allow/deny with a reason, in the fixed precedence spec §4.5
// requires. Two engines satisfy the same interface: RuleEngine, a
// declarative Go rule table that is the default, and OPAEngine, a
// rego-evaluated alternate for operators who want to edit policy without a
// redeploy.
package policy

import (
	"context"

	"github.com/llmgatewayd/llmgatewayd/internal/budget"
	"github.com/llmgatewayd/llmgatewayd/internal/ratelimit"
)

// Engine decides whether a request is admitted.
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	Environment() string
	Mode() Mode
}

// Input is everything an Engine needs to decide one request. It carries the
// already-resolved budgets and rate-limit verdict rather than raw tenant
// IDs, so evaluation never itself touches the cache or DB.
type Input struct {
	TenantID  int64  `json:"tenant_id"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model"`

	Budgets   *budget.ResolvedBudgets `json:"budgets"`
	RateLimit ratelimit.Result        `json:"rate_limit"`

	Environment string `json:"environment"`
}

// Decision is the admission verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`

	PolicyVersion string            `json:"policy_version,omitempty"`
	AuditTags     map[string]string `json:"audit_tags,omitempty"`
}
