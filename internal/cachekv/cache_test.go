package cachekv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, zaptest.NewLogger(t)), s
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", "v1", time.Minute))

	v, found, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", v)
}

func TestCache_GetMiss(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_NullSentinelDistinctFromMiss(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetNull(ctx, "absent-key", time.Minute))

	isNull, found, err := c.GetIsNull(ctx, "absent-key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, isNull)

	isNull, found, err = c.GetIsNull(ctx, "never-set")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, isNull)
}

func TestCache_MultiGetSingleRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, c.SetNull(ctx, "b", time.Minute))

	results, err := c.MultiGet(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Found)
	assert.Equal(t, "1", results[0].Value)
	assert.False(t, results[0].IsNull)

	assert.True(t, results[1].Found)
	assert.True(t, results[1].IsNull)

	assert.False(t, results[2].Found)
}

func TestCache_DegradedWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	c := New(client, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _, _ = c.Get(ctx, "x")
	}

	assert.True(t, c.Degraded())

	_, _, err := c.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}
