// Package admission implements the admission pipeline (C8): the single
// request path every inference route runs through, in the fixed order spec
// §4.8 requires: received -> authenticated -> rate_checked -> resolved ->
// decided -> dispatch -> priced -> emitted -> replied. Each transition owns
// its own failure mode (401/429/403/5xx). A 401 or 429 emits no usage
// event; a policy deny emits a blocked event and an upstream failure a
// failed event, both with cost 0, so only a successful dispatch moves any
// counter.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/auth"
	"github.com/llmgatewayd/llmgatewayd/internal/budget"
	"github.com/llmgatewayd/llmgatewayd/internal/db"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
	"github.com/llmgatewayd/llmgatewayd/internal/policy"
	"github.com/llmgatewayd/llmgatewayd/internal/pricing"
	"github.com/llmgatewayd/llmgatewayd/internal/provider"
	"github.com/llmgatewayd/llmgatewayd/internal/ratecontrol"
	"github.com/llmgatewayd/llmgatewayd/internal/ratelimit"
	"github.com/llmgatewayd/llmgatewayd/internal/tracing"
	"github.com/llmgatewayd/llmgatewayd/internal/usageevents"
)

// Repository is the subset of *db.Client the pipeline reads directly,
// beyond what it delegates to C3/C4/C5/C7.
type Repository interface {
	GetTenant(ctx context.Context, tenantID int64) (domain.Tenant, error)
}

var _ Repository = (*db.Client)(nil)

// Dispatcher is the subset of *provider.Dispatcher the pipeline needs,
// declared here so tests can substitute a fake upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

var _ Dispatcher = (*provider.Dispatcher)(nil)

// Pipeline wires every admission component into the single request path.
type Pipeline struct {
	auth       *auth.Authenticator
	limiter    *ratelimit.Limiter
	resolver   *budget.Resolver
	engine     policy.Engine
	dispatcher Dispatcher
	queue      *usageevents.Queue
	repo       Repository
	logger     *zap.Logger
}

// New builds a Pipeline.
func New(
	authenticator *auth.Authenticator,
	limiter *ratelimit.Limiter,
	resolver *budget.Resolver,
	engine policy.Engine,
	dispatcher Dispatcher,
	queue *usageevents.Queue,
	repo Repository,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		auth:       authenticator,
		limiter:    limiter,
		resolver:   resolver,
		engine:     engine,
		dispatcher: dispatcher,
		queue:      queue,
		repo:       repo,
		logger:     logger,
	}
}

// routeKind distinguishes the wire shape a route accepts/returns; the
// normalized request sent to C7 is identical either way.
type routeKind int

const (
	kindChatCompletions routeKind = iota
	kindCompletions
	kindResponses
	kindMessages
)

// Handler returns the http.Handler exposing every inference route named in
// spec §6.
func (p *Pipeline) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", p.handlerFor(kindChatCompletions))
	mux.HandleFunc("POST /v1/completions", p.handlerFor(kindCompletions))
	mux.HandleFunc("POST /v1/responses", p.handlerFor(kindResponses))
	mux.HandleFunc("POST /v1/messages", p.handlerFor(kindMessages))
	return mux
}

func (p *Pipeline) handlerFor(kind routeKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.serve(kind, w, r)
	}
}

// serve runs one request through the full C8 state machine.
func (p *Pipeline) serve(kind routeKind, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracing.StartSpan(r.Context(), "admission.serve")
	defer span.End()

	route := r.URL.Path
	providerLabel := "unknown"
	status := "200"
	defer func() {
		recordRequest(route, providerLabel, status, time.Since(start).Seconds())
	}()

	// received: decode the wire body into a normalized provider.Request.
	req, err := decodeRequest(kind, r)
	if err != nil {
		status = "400"
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if providerName, ok := pricing.ProviderFor(req.Model); ok {
		req.Provider = providerName
		providerLabel = string(providerName)
	}

	// authenticated
	secret := auth.ExtractSecret(r)
	key, err := p.auth.Authenticate(ctx, secret)
	if err != nil {
		status = "401"
		writeError(w, http.StatusUnauthorized, "Invalid or missing credential")
		return
	}
	tenantID := key.TenantID

	// rate_checked
	ceiling := p.rateCeiling(ctx, tenantID, req.Provider)
	rl, err := p.limiter.CheckLimit(ctx, tenantID, ceiling)
	if err != nil {
		p.logger.Warn("admission: rate limit check failed, failing open", zap.Error(err))
		rl = ratelimit.Result{Allowed: true}
	}
	if !rl.Allowed {
		status = "429"
		w.Header().Set("Retry-After", strconv.Itoa(rl.ResetInSecond))
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	// resolved
	tagNames := extractTags(r)
	sessionID := extractSessionID(r)
	var sessionPtr *string
	if sessionID != "" {
		sessionPtr = &sessionID
	}
	budgets, err := p.resolver.Resolve(ctx, tenantID, sessionPtr, tagNames, time.Now())
	if err != nil {
		p.logger.Error("admission: budget resolution failed", zap.Error(err))
		status = "500"
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	// decided
	decision, err := p.engine.Evaluate(ctx, &policy.Input{
		TenantID:  tenantID,
		SessionID: sessionID,
		Model:     req.Model,
		Budgets:   budgets,
		RateLimit: rl,
	})
	if err != nil || decision == nil {
		p.logger.Error("admission: policy evaluation failed", zap.Error(err))
		decision = &policy.Decision{Allow: false, Reason: "policy evaluation error"}
	}
	if !decision.Allow {
		status = "403"
		p.emitTerminal(ctx, route, req.Model, sessionPtr, budgets, domain.OutcomeBlocked, decimal.Zero, 0, 0)
		writeError(w, http.StatusForbidden, denyMessage(decision.Reason))
		return
	}

	// dispatch
	resp, err := p.dispatcher.Dispatch(ctx, req)
	if err != nil {
		var upstream *provider.UpstreamError
		if errors.As(err, &upstream) {
			status = strconv.Itoa(upstream.StatusCode)
			p.emitTerminal(ctx, route, req.Model, sessionPtr, budgets, domain.OutcomeFailed, decimal.Zero, 0, 0)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(upstream.StatusCode)
			_, _ = w.Write(upstream.Body)
			return
		}
		p.logger.Error("admission: dispatch failed", zap.Error(err))
		status = "502"
		p.emitTerminal(ctx, route, req.Model, sessionPtr, budgets, domain.OutcomeFailed, decimal.Zero, 0, 0)
		writeError(w, http.StatusBadGateway, "Upstream provider unavailable")
		return
	}

	// priced
	cost, found := pricing.CostForSplit(req.Model, resp.Usage.PromptTokens, 0, resp.Usage.CompletionTokens)
	if !found {
		p.logger.Warn("admission: unknown model pricing, recording zero cost", zap.String("model", req.Model))
	}

	// emitted
	p.emitTerminal(ctx, route, req.Model, sessionPtr, budgets, domain.OutcomeSuccess, cost,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	// replied
	writeResponse(w, kind, req.Model, resp)
}

// rateCeiling combines the tenant's own per-minute ceiling with the
// provider's table ceiling from internal/ratecontrol, taking whichever is
// tighter (spec's expanded C4 wiring). A provider outside the built-in
// table gets the default_rpm of the ratecontrol override file, or no
// ceiling when that is unset; with no tenant ceiling either, the result is
// nil and the request is not rate limited.
func (p *Pipeline) rateCeiling(ctx context.Context, tenantID int64, providerName provider.Name) *int {
	tenant, err := p.repo.GetTenant(ctx, tenantID)
	if err != nil {
		p.logger.Warn("admission: tenant lookup failed for rate ceiling, using provider table only", zap.Error(err))
	}
	providerLimit := ratecontrol.LimitForProvider(string(providerName))
	tenantLimit := ratecontrol.RateLimit{}
	if err == nil && tenant.RateLimitPerMinute != nil {
		tenantLimit.RPM = *tenant.RateLimitPerMinute
	}
	combined := ratecontrol.CombineLimits(tenantLimit, providerLimit)
	if combined.RPM <= 0 {
		return nil
	}
	return &combined.RPM
}

// emitTerminal builds and appends the usage ledger entry for a request that
// reached a terminal outcome, tagging it with every resolved budget's tag
// and weight (spec §4.9's "resolved tag ids and their effective weights").
func (p *Pipeline) emitTerminal(
	ctx context.Context,
	route, model string,
	sessionID *string,
	budgets *budget.ResolvedBudgets,
	outcome domain.Outcome,
	cost decimal.Decimal,
	promptTokens, completionTokens int64,
) {
	id := uuid.New()
	entry := &domain.UsageLedgerEntry{
		ID:               id,
		Timestamp:        time.Now(),
		TenantID:         budgets.TenantID,
		Route:            route,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		USD:              cost,
		SessionID:        sessionID,
		Outcome:          outcome,
		Tags:             tagWeightsFrom(budgets),
		IdempotencyKey:   id.String(),
	}
	p.queue.Append(ctx, entry)
}

func tagWeightsFrom(budgets *budget.ResolvedBudgets) []domain.TagWeight {
	if budgets == nil {
		return nil
	}
	out := make([]domain.TagWeight, 0, len(budgets.TagBudgets))
	for _, tb := range budgets.TagBudgets {
		out = append(out, domain.TagWeight{TagID: tb.TagID, Weight: tb.Weight})
	}
	return out
}

// denyMessage maps an internal deny reason to the terse, configuration-free
// message spec §7 requires the client to see.
func denyMessage(reason string) string {
	switch {
	case strings.Contains(reason, "budget"):
		return "Budget exceeded"
	case strings.Contains(reason, "rate limit"):
		return "Rate limit exceeded"
	default:
		return "Request denied by policy"
	}
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message})
}

// decodeRequest parses the wire body for kind into a normalized
// provider.Request. Provider routing is filled in by the caller once the
// model is known.
func decodeRequest(kind routeKind, r *http.Request) (*provider.Request, error) {
	defer r.Body.Close()
	switch kind {
	case kindMessages:
		var body anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode anthropic request: %w", err)
		}
		msgs := make([]provider.Message, 0, len(body.Messages)+1)
		if body.System != "" {
			msgs = append(msgs, provider.Message{Role: "system", Content: body.System})
		}
		for _, m := range body.Messages {
			msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
		}
		temp := 0.0
		if body.Temperature != nil {
			temp = *body.Temperature
		}
		return &provider.Request{
			Model:           body.Model,
			Messages:        msgs,
			StopSequences:   body.StopSeqs,
			MaxOutputTokens: body.MaxTokens,
			Temperature:     temp,
			Stream:          body.Stream,
		}, nil
	default:
		var body openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode openai request: %w", err)
		}
		msgs := make([]provider.Message, 0, len(body.Messages)+1)
		if body.Prompt != "" {
			msgs = append(msgs, provider.Message{Role: "user", Content: body.Prompt})
		}
		for _, m := range body.Messages {
			msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
		}
		temp := 0.0
		if body.Temperature != nil {
			temp = *body.Temperature
		}
		return &provider.Request{
			Model:           body.Model,
			Messages:        msgs,
			StopSequences:   body.Stop,
			MaxOutputTokens: body.MaxTokens,
			Temperature:     temp,
			Stream:          body.Stream,
		}, nil
	}
}

func writeResponse(w http.ResponseWriter, kind routeKind, model string, resp *provider.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if kind == kindMessages {
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			ID:         "msg_" + uuid.New().String(),
			Type:       "message",
			Role:       "assistant",
			Model:      model,
			Content:    []anthropicContentBlock{{Type: "text", Text: resp.Content}},
			StopReason: resp.FinishReason,
			Usage: anthropicUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(openAIResponse{
		ID:     "chatcmpl-" + uuid.New().String(),
		Object: "chat.completion",
		Model:  model,
		Choices: []openAIChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: openAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	})
}
