// Package ratelimit implements the per-tenant fixed-window request limiter
// (C4): an atomic Redis INCR+EXPIRE against a window bucket, burst-smoothed
// by a token bucket layered on top for the same window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/llmgatewayd/llmgatewayd/internal/ledgerkey"
)

// DefaultWindow is the fixed window length used when New is given no
// window, per spec §4.4.
const DefaultWindow = 60 * time.Second

// Result is the outcome of a single CheckLimit call.
type Result struct {
	Allowed       bool
	Limit         int
	Remaining     int
	RetryAfter    time.Duration
	ResetInSecond int
}

// Limiter is C4. It is safe for concurrent use.
type Limiter struct {
	client  *redis.Client
	logger  *zap.Logger
	window  time.Duration
	bmu     sync.Mutex
	buckets map[int64]*rate.Limiter
}

// New builds a Limiter. window overrides DefaultWindow when non-zero.
func New(client *redis.Client, logger *zap.Logger, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		client:  client,
		logger:  logger,
		window:  window,
		buckets: make(map[int64]*rate.Limiter),
	}
}

// CheckLimit enforces the fixed window for tenantID against ceiling
// requestsPerWindow. A nil ceiling disables rate limiting entirely, per
// spec §4.4 ("If the ceiling is null, rate limiting is disabled").
//
// On a Redis error the call fails open (allowed=true) and logs once,
// matching the teacher's middleware: an outage in the rate limiter must
// not itself become an outage of the service it protects.
func (l *Limiter) CheckLimit(ctx context.Context, tenantID int64, ceiling *int) (Result, error) {
	if ceiling == nil {
		return Result{Allowed: true}, nil
	}
	limit := *ceiling
	if limit <= 0 {
		return Result{Allowed: true}, nil
	}

	now := time.Now()
	bucket := ledgerkey.EpochMinute(now)
	key := fmt.Sprintf("rlwindow:%d:%d", tenantID, bucket)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("ratelimit: redis unavailable, failing open", zap.Error(err))
		return Result{Allowed: true, Limit: limit}, nil
	}

	count := int(incr.Val())
	resetIn := int(l.window.Seconds()) - int(now.Unix()%int64(l.window.Seconds()))
	if resetIn <= 0 {
		resetIn = int(l.window.Seconds())
	}

	if count > limit {
		return Result{
			Allowed:       false,
			Limit:         limit,
			Remaining:     0,
			RetryAfter:    time.Duration(resetIn) * time.Second,
			ResetInSecond: resetIn,
		}, nil
	}

	remaining := limit - count
	if !l.smoothBurst(tenantID, limit) {
		return Result{
			Allowed:       false,
			Limit:         limit,
			Remaining:     remaining,
			RetryAfter:    time.Second,
			ResetInSecond: resetIn,
		}, nil
	}

	return Result{
		Allowed:       true,
		Limit:         limit,
		Remaining:     remaining,
		ResetInSecond: resetIn,
	}, nil
}

// smoothBurst applies a token-bucket check on top of the fixed window so a
// tenant cannot spend its entire window ceiling in a single instant; the
// bucket refills at limit-per-window and bursts up to limit.
func (l *Limiter) smoothBurst(tenantID int64, limit int) bool {
	l.bmu.Lock()
	lim, ok := l.buckets[tenantID]
	if !ok {
		burst := limit
		lim = rate.NewLimiter(rate.Limit(float64(limit)/l.window.Seconds()), burst)
		l.buckets[tenantID] = lim
	}
	l.bmu.Unlock()
	return lim.Allow()
}
