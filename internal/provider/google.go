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

// googleAdapter talks to Gemini's generateContent endpoint: system
// instruction and stop sequences move to their own named fields, and
// usage is reported as a single token-count object rather than a pair.
type googleAdapter struct {
	apiKey  string
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

func newGoogleAdapter(apiKey string, logger *zap.Logger) Adapter {
	return &googleAdapter{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com/v1beta/models",
		http:    newHTTPWrapper("google", logger),
		logger:  logger,
	}
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleSystemInstruction struct {
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	StopSequences   []string `json:"stopSequences,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
}

type googleRequest struct {
	Contents          []googleContent          `json:"contents"`
	SystemInstruction *googleSystemInstruction `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig  `json:"generationConfig,omitempty"`
}

type googleCandidate struct {
	Content      googleContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type googleUsageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

type googleResponse struct {
	Candidates    []googleCandidate   `json:"candidates"`
	UsageMetadata googleUsageMetadata `json:"usageMetadata"`
}

// googleRole maps the normalized role vocabulary onto Gemini's two-role
// model/user scheme; assistant turns become "model".
func googleRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func (a *googleAdapter) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	body := googleRequest{
		GenerationConfig: &googleGenerationConfig{
			StopSequences:   req.StopSequences,
			MaxOutputTokens: req.MaxOutputTokens,
			Temperature:     req.Temperature,
		},
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			if body.SystemInstruction == nil {
				body.SystemInstruction = &googleSystemInstruction{}
			}
			body.SystemInstruction.Parts = append(body.SystemInstruction.Parts, googlePart{Text: m.Content})
			continue
		}
		body.Contents = append(body.Contents, googleContent{Role: googleRole(m.Role), Parts: []googlePart{{Text: m.Content}}})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: google marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", a.baseURL, req.Model, a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider: google build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: google call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: google read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: respBody, Provider: Google}
	}

	var parsed googleResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("provider: google unmarshal response: %w", err)
	}

	out := &Response{
		Usage: Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
		},
	}
	if len(parsed.Candidates) > 0 {
		out.FinishReason = parsed.Candidates[0].FinishReason
		var text bytes.Buffer
		for _, p := range parsed.Candidates[0].Content.Parts {
			text.WriteString(p.Text)
		}
		out.Content = text.String()
	}
	return out, nil
}
