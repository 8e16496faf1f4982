package usageevents

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/llmgatewayd/llmgatewayd/internal/cachekv"
	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := cachekv.New(client, zaptest.NewLogger(t))
	return New(cache, nil, zaptest.NewLogger(t))
}

func sampleEntry() *domain.UsageLedgerEntry {
	return &domain.UsageLedgerEntry{
		ID:               uuid.New(),
		Timestamp:        time.Now(),
		TenantID:         42,
		Route:            "/v1/chat/completions",
		Model:            "gpt-4o",
		PromptTokens:     100,
		CompletionTokens: 50,
		USD:              decimal.NewFromFloat(0.01),
		Outcome:          domain.OutcomeSuccess,
		Tags:             []domain.TagWeight{{TagID: 7, Weight: decimal.NewFromFloat(1.5)}},
		IdempotencyKey:   "idem-1",
	}
}

func TestQueue_AppendThenPopRoundTrips(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	entry := sampleEntry()
	q.Append(ctx, entry)

	popped, found, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry.TenantID, popped.TenantID)
	assert.Equal(t, entry.IdempotencyKey, popped.IdempotencyKey)
	assert.True(t, entry.USD.Equal(popped.USD))
	require.Len(t, popped.Tags, 1)
	assert.Equal(t, entry.Tags[0].TagID, popped.Tags[0].TagID)
}

func TestQueue_PreservesPerTenantOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first := sampleEntry()
	first.IdempotencyKey = "first"
	second := sampleEntry()
	second.IdempotencyKey = "second"

	q.Append(ctx, first)
	q.Append(ctx, second)

	got1, found, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, found)
	got2, found, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, "first", got1.IdempotencyKey)
	assert.Equal(t, "second", got2.IdempotencyKey)
}

func TestQueue_PopTimesOutWhenEmpty(t *testing.T) {
	q := newTestQueue(t)
	_, found, err := q.Pop(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, found)
}
