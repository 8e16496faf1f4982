package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/circuitbreaker"
)

// defaultMaxTokens is Anthropic's required max_tokens when the caller omits
// one, per spec §4.7.
const defaultMaxTokens = 4096

// anthropicAdapter talks to /v1/messages: it strips any system-role message
// out of the normalized sequence into the top-level system field, renames
// stop -> stop_sequences, and defaults max_tokens.
type anthropicAdapter struct {
	apiKey  string
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

func newAnthropicAdapter(apiKey string, logger *zap.Logger) Adapter {
	return &anthropicAdapter{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1/messages",
		http:    newHTTPWrapper("anthropic", logger),
		logger:  logger,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   float64            `json:"temperature,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

func (a *anthropicAdapter) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	body := anthropicRequest{
		Model:         req.Model,
		StopSequences: req.StopSequences,
		MaxTokens:     req.MaxOutputTokens,
		Temperature:   req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			if body.System != "" {
				body.System += "\n" + m.Content
			} else {
				body.System = m.Content
			}
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: anthropic marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: anthropic build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: anthropic call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: anthropic read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: respBody, Provider: Anthropic}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("provider: anthropic unmarshal response: %w", err)
	}

	var text bytes.Buffer
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Content:      text.String(),
		FinishReason: parsed.StopReason,
		Usage:        Usage{PromptTokens: parsed.Usage.InputTokens, CompletionTokens: parsed.Usage.OutputTokens},
	}, nil
}
