package provider

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/circuitbreaker"
)

// Adapter translates one provider's wire shape to/from the normalized
// Request/Response and performs the upstream call.
type Adapter interface {
	Dispatch(ctx context.Context, req *Request) (*Response, error)
}

// Dispatcher implements dispatch(normalized_request) -> (normalized_response, usage),
// routing to the adapter configured for req.Provider. An adapter with no API
// key configured is absent from adapters, per spec §6 ("absence of all
// disables the respective adapter").
type Dispatcher struct {
	adapters map[Name]Adapter
	logger   *zap.Logger
}

// Config supplies the upstream credentials read from OPENAI_KEY,
// ANTHROPIC_KEY, GOOGLE_KEY.
type Config struct {
	OpenAIKey    string
	AnthropicKey string
	GoogleKey    string
}

// New builds a Dispatcher with one HTTP-backed adapter per configured
// credential.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	adapters := make(map[Name]Adapter)
	if cfg.OpenAIKey != "" {
		adapters[OpenAI] = newOpenAIAdapter(cfg.OpenAIKey, logger)
	}
	if cfg.AnthropicKey != "" {
		adapters[Anthropic] = newAnthropicAdapter(cfg.AnthropicKey, logger)
	}
	if cfg.GoogleKey != "" {
		adapters[Google] = newGoogleAdapter(cfg.GoogleKey, logger)
	}
	return &Dispatcher{adapters: adapters, logger: logger}
}

// Dispatch routes req to its provider's adapter.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	adapter, ok := d.adapters[req.Provider]
	if !ok {
		return nil, fmt.Errorf("provider: no adapter configured for %q", req.Provider)
	}
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return adapter.Dispatch(ctx, req)
}

// newHTTPWrapper builds a circuit-breaker-wrapped client with no client-side
// timeout of its own; the per-call CallTimeout is enforced by the context
// deadline Dispatch sets, not by http.Client.Timeout.
func newHTTPWrapper(name string, logger *zap.Logger) *circuitbreaker.HTTPWrapper {
	return circuitbreaker.NewHTTPWrapper(&http.Client{}, name, "provider", logger)
}
