// Package cachekv is the typed key/value cache facade used by the
// authenticator, the budget resolver, the usage event stream, and the
// accounting worker. It wraps a Redis client with a
// circuit breaker so that a cache outage degrades callers to their
// database fallback instead of propagating timeouts, and distinguishes a
// confirmed-absent key from a cache miss via the "null" sentinel value.
package cachekv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/llmgatewayd/llmgatewayd/internal/circuitbreaker"
)

// NullSentinel is stored to record a confirmed-absent lookup (e.g. "this
// api key does not exist") so that callers never repeat a database miss.
// Checked byte-for-byte; it is never treated as JSON or deserialized.
const NullSentinel = "null"

// ErrUnavailable is returned when the circuit breaker is open or the
// underlying Redis call fails. Callers must treat this as "fall through to
// the database", never as "key does not exist".
var ErrUnavailable = errors.New("cachekv: cache unavailable")

// Cache is the facade every component depends on instead of *redis.Client.
type Cache struct {
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
}

// New builds a Cache around an existing Redis client.
func New(client *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{
		wrapper: circuitbreaker.NewRedisWrapper(client, logger),
		logger:  logger,
	}
}

// Get returns the raw string for key. found is false only when the key is
// absent; a key holding NullSentinel is returned with found true and value
// NullSentinel, so callers compare the value or use GetIsNull.
func (c *Cache) Get(ctx context.Context, key string) (value string, found bool, err error) {
	cmd := c.wrapper.Get(ctx, key)
	if cmd.Err() != nil {
		if errors.Is(cmd.Err(), redis.Nil) {
			return "", false, nil
		}
		return "", false, ErrUnavailable
	}
	return cmd.Val(), true, nil
}

// GetIsNull reports whether key is present and holds the confirmed-absent
// sentinel, as distinct from a plain cache miss.
func (c *Cache) GetIsNull(ctx context.Context, key string) (isNull bool, found bool, err error) {
	value, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, found, err
	}
	return value == NullSentinel, true, nil
}

// Set stores value with a TTL. Pass ttl <= 0 for no expiration.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.wrapper.Set(ctx, key, value, ttl).Err() != nil {
		return ErrUnavailable
	}
	return nil
}

// SetNull records a confirmed-absent lookup for key.
func (c *Cache) SetNull(ctx context.Context, key string, ttl time.Duration) error {
	return c.Set(ctx, key, NullSentinel, ttl)
}

// Del removes one or more keys.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if c.wrapper.Del(ctx, keys...).Err() != nil {
		return ErrUnavailable
	}
	return nil
}

// MultiGetResult is one row of a MultiGet batch.
type MultiGetResult struct {
	Key     string
	Value   string
	Found   bool
	IsNull  bool
}

// MultiGet fetches every key in a single Redis round trip (MGET). The
// budget resolver does not call it; it reads each key with Get.
func (c *Cache) MultiGet(ctx context.Context, keys []string) ([]MultiGetResult, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	client := c.wrapper.GetClient()
	if c.wrapper.IsCircuitBreakerOpen() {
		return nil, ErrUnavailable
	}
	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("cachekv: multiget failed, degrading to db fallback", zap.Error(err))
		return nil, ErrUnavailable
	}
	out := make([]MultiGetResult, len(keys))
	for i, k := range keys {
		out[i].Key = k
		if vals[i] == nil {
			continue
		}
		s, ok := vals[i].(string)
		if !ok {
			continue
		}
		out[i].Found = true
		out[i].Value = s
		out[i].IsNull = s == NullSentinel
	}
	return out, nil
}

// Push appends value to the head of the list at key (LPUSH), used by the
// usage event stream to hand off priced records to the accounting worker
// without blocking on a database write.
func (c *Cache) Push(ctx context.Context, key, value string) error {
	if c.wrapper.LPush(ctx, key, value).Err() != nil {
		return ErrUnavailable
	}
	return nil
}

// BPop blocks up to timeout for an entry to arrive at the tail of any of
// keys (BRPOP), returning the key it came from and its value. found is
// false when timeout elapsed with nothing queued.
func (c *Cache) BPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, found bool, err error) {
	cmd := c.wrapper.BRPop(ctx, timeout, keys...)
	if cmd.Err() != nil {
		if errors.Is(cmd.Err(), redis.Nil) {
			return "", "", false, nil
		}
		return "", "", false, ErrUnavailable
	}
	result := cmd.Val()
	if len(result) != 2 {
		return "", "", false, nil
	}
	return result[0], result[1], true, nil
}

// Degraded reports whether the circuit breaker currently considers the
// cache unavailable.
func (c *Cache) Degraded() bool {
	return c.wrapper.IsCircuitBreakerOpen()
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error {
	return c.wrapper.Close()
}
