package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// OPAEngine implements Engine by compiling and evaluating .rego policy
// files, with an LRU decision cache and a percentage-based canary rollout
// so a policy change can be observed in dry-run before it denies real
// traffic.
type OPAEngine struct {
	config   *Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
	cache    *decisionCache
}

// NewOPAEngine creates an OPA-backed engine and attempts to load its
// policies eagerly.
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
		cache:   newDecisionCache(1000, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("failed to load admission policies, running fail-open", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// LoadPolicies loads and compiles all .rego files under config.Path.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(e.config.Path, path)
			moduleName := strings.TrimSuffix(relPath, ".rego")
			policies[moduleName] = string(content)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		e.logger.Warn("no admission policy files found", zap.String("path", e.config.Path))
		if e.config.FailClosed {
			return fmt.Errorf("no policies found in fail-closed mode")
		}
		return nil
	}

	regoOptions := []func(*rego.Rego){rego.Query("data.llmgateway.admission.decision")}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}

	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile admission policies: %w", err)
	}
	e.compiled = &compiled

	e.logger.Info("admission policies loaded",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", "data.llmgateway.admission.decision"))
	RecordPolicyLoad(e.config.Path, len(policies), float64(nowUnix()))
	RecordPolicyVersion(e.config.Path, e.calculatePolicyVersion(policies), fmt.Sprintf("%d", nowUnix()))
	return nil
}

// Evaluate runs the compiled policy against input, applying the canary
// rollout's effective mode to the raw policy verdict.
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()

	defaultDecision := &Decision{
		Allow:  !e.config.FailClosed,
		Reason: "policy engine disabled or no policies loaded",
		AuditTags: map[string]string{
			"policy_enabled": fmt.Sprintf("%t", e.enabled),
			"mode":           string(e.config.Mode),
		},
	}
	if !e.enabled || e.compiled == nil {
		return defaultDecision, nil
	}

	if d, ok := e.cache.Get(input); ok {
		RecordCacheHit(string(e.config.Mode))
		RecordSLOLatency(string(e.config.Mode), true, time.Since(start).Seconds())
		return d, nil
	}
	RecordCacheMiss(string(e.config.Mode))

	inputMap, err := toMap(input)
	if err != nil {
		RecordSLOError("input_conversion", string(e.config.Mode))
		RecordError("input_conversion", string(e.config.Mode))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "input conversion failed"}, err
		}
		return defaultDecision, nil
	}

	results, err := e.compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		RecordSLOError("policy_evaluation", string(e.config.Mode))
		RecordError("policy_evaluation", string(e.config.Mode))
		if e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation error"}, err
		}
		return defaultDecision, nil
	}

	decision := e.parseResults(results, input)
	original := *decision
	effectiveMode := e.determineEffectiveMode(input)
	decision = e.applyModeToDecision(decision, effectiveMode)

	duration := time.Since(start)
	e.recordMetrics(input, &original, decision, effectiveMode, duration)
	e.cache.Set(input, decision)
	return decision, nil
}

func (e *OPAEngine) IsEnabled() bool      { return e.enabled && e.compiled != nil }
func (e *OPAEngine) Environment() string  { return e.config.Environment }
func (e *OPAEngine) Mode() Mode           { return e.config.Mode }

func toMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *OPAEngine) parseResults(results rego.ResultSet, input *Input) *Decision {
	decision := &Decision{
		Allow:  false,
		Reason: "no matching policy rules",
		AuditTags: map[string]string{
			"tenant_id":  fmt.Sprintf("%d", input.TenantID),
			"session_id": input.SessionID,
		},
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}
	value := results[0].Expressions[0].Value
	if valueMap, ok := value.(map[string]interface{}); ok {
		if allow, ok := valueMap["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := valueMap["reason"].(string); ok {
			decision.Reason = reason
		}
	} else if allow, ok := value.(bool); ok {
		decision.Allow = allow
		if allow {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

// determineEffectiveMode applies emergency kill switch, explicit tenant
// overrides, and percentage rollout to pick enforce vs dry-run for this
// request.
func (e *OPAEngine) determineEffectiveMode(input *Input) Mode {
	if e.config.EmergencyKillSwitch {
		return ModeDryRun
	}
	if !e.config.Canary.Enabled {
		return e.config.Mode
	}

	tenant := fmt.Sprintf("%d", input.TenantID)
	for _, t := range e.config.Canary.DryRunTenants {
		if t == tenant {
			return ModeDryRun
		}
	}
	for _, t := range e.config.Canary.EnforceTenants {
		if t == tenant {
			return ModeEnforce
		}
	}
	if e.config.Canary.EnforcePercentage > 0 {
		h := md5.Sum([]byte(tenant))
		pct := int(h[0]) % 100
		if pct < e.config.Canary.EnforcePercentage {
			return ModeEnforce
		}
	}
	return ModeDryRun
}

func (e *OPAEngine) applyModeToDecision(decision *Decision, effectiveMode Mode) *Decision {
	if decision.AuditTags == nil {
		decision.AuditTags = make(map[string]string)
	}
	decision.AuditTags["effective_mode"] = string(effectiveMode)
	decision.AuditTags["configured_mode"] = string(e.config.Mode)

	switch effectiveMode {
	case ModeEnforce:
		return decision
	case ModeDryRun:
		original := *decision
		decision.Allow = true
		if !original.Allow {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have denied - %s", original.Reason)
		} else {
			decision.Reason = fmt.Sprintf("DRY-RUN: would have allowed - %s", original.Reason)
		}
		return decision
	case ModeOff:
		decision.Allow = !e.config.FailClosed
		decision.Reason = "policy engine disabled"
		return decision
	default:
		decision.Allow = true
		decision.Reason = fmt.Sprintf("unknown mode %s, defaulting to allow", effectiveMode)
		return decision
	}
}

func (e *OPAEngine) recordMetrics(input *Input, original, final *Decision, effectiveMode Mode, duration time.Duration) {
	label := "allow"
	if !final.Allow {
		label = "deny"
	}
	RecordEvaluation(label, string(effectiveMode), final.Reason)
	RecordEvaluationDuration(string(effectiveMode), duration.Seconds())
	RecordSLOLatency(string(effectiveMode), false, duration.Seconds())

	if !final.Allow {
		RecordDenyReason(final.Reason, string(effectiveMode))
	}
	originalLabel := "allow"
	if !original.Allow {
		originalLabel = "deny"
	}
	RecordModeComparison(originalLabel, string(effectiveMode), originalLabel, "tenant")

	if effectiveMode == ModeDryRun && originalLabel != label {
		if originalLabel == "deny" {
			RecordDryRunDivergence("would_deny")
		} else {
			RecordDryRunDivergence("would_allow")
		}
	}

	e.cache.mu.Lock()
	size := e.cache.list.Len()
	e.cache.mu.Unlock()
	RecordCacheSize("admission_decisions", size)
}

func (e *OPAEngine) calculatePolicyVersion(policies map[string]string) string {
	h := md5.New()
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[i] > names[j] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}

func nowUnix() int64 { return time.Now().Unix() }

// --- decision cache (LRU with TTL) ---

type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List
	m    map[string]*list.Element

	hits, misses int64
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{cap: cap, ttl: ttl, list: list.New(), m: make(map[string]*list.Element)}
}

func (c *decisionCache) makeKey(input *Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Model)))
	mh := h.Sum64()
	return fmt.Sprintf("%d|%s|%x", input.TenantID, input.SessionID, mh)
}

func (c *decisionCache) Get(input *Input) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		ce := el.Value.(cacheEntry)
		if ce.expiresAt.After(now) {
			c.list.MoveToFront(el)
			atomic.AddInt64(&c.hits, 1)
			return ce.decision, true
		}
		c.list.Remove(el)
		delete(c.m, key)
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(input *Input, d *Decision) {
	key := c.makeKey(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
		c.list.MoveToFront(el)
		return
	}
	el := c.list.PushFront(cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d})
	c.m[key] = el
	if c.list.Len() > c.cap {
		if lru := c.list.Back(); lru != nil {
			ce := lru.Value.(cacheEntry)
			delete(c.m, ce.key)
			c.list.Remove(lru)
		}
	}
}

// Stats returns cumulative cache hit/miss counts.
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}
