// Package cache wraps Redis with per-entry TTL, pattern-based bulk
// deletion, and health reporting. The non-blocking pattern-delete mechanics
// (Scan iterator + batched Del) are adapted from TheRockettek-Sandwich-
// Producer's manager.go ClearCache. Serialization strategy selection and
// corrupted-entry-as-miss semantics are grounded on
// original_source/smarter_dev/bot/services/cache_manager.py. Stampede
// protection via singleflight is an enrichment adapted from
// other_examples/stormlightlabs-baseball's internal/cache/cache.go, which
// the Python original has no equivalent of.
package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/smarter-dev/smarterbot/internal/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Strategy selects how values are encoded before being written to Redis.
type Strategy int

const (
	JSONStrategy Strategy = iota
	BinaryStrategy
)

func (s Strategy) encode(v interface{}) ([]byte, error) {
	if s == BinaryStrategy {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

func (s Strategy) decode(data []byte, v interface{}) error {
	if s == BinaryStrategy {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// Stats accumulates cumulative hit/miss/error counts for HealthCheck.
type Stats struct {
	Hits   uint64
	Misses uint64
	Errors uint64
}

// Cache is a keyed Redis-backed store.
type Cache struct {
	client     *redis.Client
	strategy   Strategy
	defaultTTL time.Duration
	keyPrefix  string

	sf singleflight.Group

	stats Stats
}

// New builds a Cache. keyPrefix is prepended to every key (CACHE_KEY_PREFIX,
// spec §6.4); defaultTTL is used when a Set call omits one.
func New(client *redis.Client, strategy Strategy, keyPrefix string, defaultTTL time.Duration) *Cache {
	return &Cache{
		client:     client,
		strategy:   strategy,
		keyPrefix:  keyPrefix,
		defaultTTL: defaultTTL,
	}
}

func (c *Cache) fullKey(key string) string {
	if c.keyPrefix == "" {
		return key
	}
	return c.keyPrefix + ":" + key
}

// Get fetches and decodes a value into v. ok is false on a miss. Corrupted
// entries are treated as misses and the offending key is deleted, per
// cache_manager.py's decode-failure handling.
func (c *Cache) Get(ctx context.Context, key string, v interface{}) (ok bool, err error) {
	raw, err := c.client.Get(ctx, c.fullKey(key)).Bytes()
	if err == redis.Nil {
		c.stats.Misses++
		return false, nil
	}
	if err != nil {
		c.stats.Errors++
		return false, &errs.CacheError{Operation: "get", Cause: err}
	}

	if decErr := c.strategy.decode(raw, v); decErr != nil {
		c.stats.Errors++
		_ = c.client.Del(ctx, c.fullKey(key)).Err()
		return false, nil
	}

	c.stats.Hits++
	return true, nil
}

// Set stores v under key for ttl (or the default TTL when ttl <= 0).
func (c *Cache) Set(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := c.strategy.encode(v)
	if err != nil {
		return &errs.CacheError{Operation: "set", Cause: err}
	}
	if err := c.client.Set(ctx, c.fullKey(key), data, ttl).Err(); err != nil {
		c.stats.Errors++
		return &errs.CacheError{Operation: "set", Cause: err}
	}
	return nil
}

// Delete removes one key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.fullKey(key)).Err(); err != nil {
		c.stats.Errors++
		return &errs.CacheError{Operation: "delete", Cause: err}
	}
	return nil
}

// ClearPattern removes all keys matching glob (a single trailing "*" is
// expected at the last key segment, per spec §6.3) using a non-blocking
// Scan iterator followed by a batched Del, exactly as
// TheRockettek-Sandwich-Producer's Manager.ClearCache does against its own
// prefix.
func (c *Cache) ClearPattern(ctx context.Context, glob string) (count int, err error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.fullKey(glob), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.stats.Errors++
		return 0, &errs.CacheError{Operation: "clear_pattern", Cause: err}
	}

	if len(keys) == 0 {
		return 0, nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.stats.Errors++
		return 0, &errs.CacheError{Operation: "clear_pattern", Cause: err}
	}
	return len(keys), nil
}

// HealthCheckResult is returned by HealthCheck.
type HealthCheckResult struct {
	Healthy        bool
	ResponseTimeMs float64
	Stats          Stats
}

// HealthCheck performs a round-trip probe (set, get, delete of an internal
// key) and reports latency plus cumulative counters.
func (c *Cache) HealthCheck(ctx context.Context) HealthCheckResult {
	start := time.Now()
	probeKey := "__healthcheck_probe__"

	err := c.Set(ctx, probeKey, "ok", 10*time.Second)
	if err == nil {
		var v string
		_, err = c.Get(ctx, probeKey, &v)
	}
	if err == nil {
		err = c.Delete(ctx, probeKey)
	}

	elapsed := time.Since(start)
	return HealthCheckResult{
		Healthy:        err == nil,
		ResponseTimeMs: float64(elapsed.Microseconds()) / 1000.0,
		Stats:          c.stats,
	}
}

// GetOrCompute is a cache-aside helper: on a miss, compute is invoked to
// produce the value, which is then cached and returned. Concurrent callers
// for the same key collapse into a single compute() call via singleflight,
// an enrichment over the Python original (which has no stampede guard)
// adapted from stormlightlabs-baseball's cache.go GetOrCompute.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, v interface{}, compute func() (interface{}, error)) error {
	if ok, err := c.Get(ctx, key, v); err != nil {
		return err
	} else if ok {
		return nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		val, err := compute()
		if err != nil {
			return nil, err
		}
		_ = c.Set(ctx, key, val, ttl)
		return val, nil
	})
	if err != nil {
		return err
	}

	data, err := c.strategy.encode(result)
	if err != nil {
		return &errs.CacheError{Operation: "get_or_compute", Cause: err}
	}
	return c.strategy.decode(data, v)
}
