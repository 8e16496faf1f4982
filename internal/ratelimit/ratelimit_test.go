package ratelimit

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

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, zaptest.NewLogger(t), time.Minute)
}

func TestCheckLimit_NilCeilingDisables(t *testing.T) {
	l := newTestLimiter(t)
	res, err := l.CheckLimit(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCheckLimit_DeniesOverCeiling(t *testing.T) {
	l := newTestLimiter(t)
	ceiling := 2
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.CheckLimit(ctx, 7, &ceiling)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := l.CheckLimit(ctx, 7, &ceiling)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestCheckLimit_SeparateTenantsIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ceiling := 1
	ctx := context.Background()

	res1, err := l.CheckLimit(ctx, 1, &ceiling)
	require.NoError(t, err)
	assert.True(t, res1.Allowed)

	res2, err := l.CheckLimit(ctx, 2, &ceiling)
	require.NoError(t, err)
	assert.True(t, res2.Allowed)
}
