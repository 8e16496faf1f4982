package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenAIAdapter_TranslatesUsageAndContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)

		json.NewEncoder(w).Encode(openAIChatResponse{
			Choices: []openAIChoice{{Message: openAIMessage{Role: "assistant", Content: "hi"}, FinishReason: "stop"}},
			Usage:   openAIUsage{PromptTokens: 10, CompletionTokens: 5},
		})
	}))
	defer srv.Close()

	a := newOpenAIAdapter("test-key", zaptest.NewLogger(t)).(*openAIAdapter)
	a.baseURL = srv.URL

	resp, err := a.Dispatch(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, int64(10), resp.Usage.PromptTokens)
	assert.Equal(t, int64(5), resp.Usage.CompletionTokens)
}

func TestOpenAIAdapter_UpstreamErrorPreservesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad model"}`))
	}))
	defer srv.Close()

	a := newOpenAIAdapter("test-key", zaptest.NewLogger(t)).(*openAIAdapter)
	a.baseURL = srv.URL

	_, err := a.Dispatch(context.Background(), &Request{Model: "nope"})
	require.Error(t, err)
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	assert.Equal(t, http.StatusBadRequest, upstreamErr.StatusCode)
	assert.Contains(t, string(upstreamErr.Body), "bad model")
}

func TestAnthropicAdapter_StripsSystemMessageAndRenamesStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be terse", req.System)
		assert.Equal(t, []string{"STOP"}, req.StopSequences)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.Equal(t, defaultMaxTokens, req.MaxTokens)

		json.NewEncoder(w).Encode(anthropicResponse{
			Content:    []anthropicContentBlock{{Type: "text", Text: "ack"}},
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: 7, OutputTokens: 3},
		})
	}))
	defer srv.Close()

	a := newAnthropicAdapter("test-key", zaptest.NewLogger(t)).(*anthropicAdapter)
	a.baseURL = srv.URL

	resp, err := a.Dispatch(context.Background(), &Request{
		Model: "claude-3-5-sonnet",
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
		StopSequences: []string{"STOP"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ack", resp.Content)
	assert.Equal(t, int64(7), resp.Usage.PromptTokens)
	assert.Equal(t, int64(3), resp.Usage.CompletionTokens)
}

func TestGoogleAdapter_MapsRolesAndSystemInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req googleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.SystemInstruction)
		assert.Equal(t, "be terse", req.SystemInstruction.Parts[0].Text)
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "model", req.Contents[0].Role)

		json.NewEncoder(w).Encode(googleResponse{
			Candidates: []googleCandidate{{
				Content:      googleContent{Parts: []googlePart{{Text: "ack"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: googleUsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2},
		})
	}))
	defer srv.Close()

	a := newGoogleAdapter("test-key", zaptest.NewLogger(t)).(*googleAdapter)
	a.baseURL = srv.URL

	resp, err := a.Dispatch(context.Background(), &Request{
		Model: "gemini-1.5-pro",
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "assistant", Content: "prior turn"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ack", resp.Content)
	assert.Equal(t, int64(4), resp.Usage.PromptTokens)
	assert.Equal(t, int64(2), resp.Usage.CompletionTokens)
}

func TestDispatcher_NoAdapterConfigured(t *testing.T) {
	d := New(Config{}, zaptest.NewLogger(t))
	_, err := d.Dispatch(context.Background(), &Request{Provider: OpenAI, Model: "gpt-4o"})
	require.Error(t, err)
}
