// Package cache is the typed TTL cache in front of the relational store,
// plus the atomic primitives shared state depends on: windowed counters
// and SETNX locks. Everything lives under the fpai: namespace. A Redis
// outage degrades reads to misses and never blocks writes.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fineprintai/engine/pkg/errkind"
)

// Namespace prefixes every key the engine writes.
const Namespace = "fpai:"

// incrScript bumps a counter and starts its window on first increment.
var incrScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// incrByScript is the delta variant; the window still starts at first use.
var incrByScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[2])
if redis.call('PTTL', KEYS[1]) == -1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// releaseScript deletes a lock only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Client wraps a Redis connection with the engine's key and type
// conventions.
type Client struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// New builds a cache client over an existing Redis connection.
func New(rdb redis.UniversalClient) *Client {
	return &Client{
		rdb:    rdb,
		logger: slog.Default().With("component", "cache"),
	}
}

// Raw exposes the underlying connection for components that share it.
func (c *Client) Raw() redis.UniversalClient { return c.rdb }

// Get reads key into T. Returns ok=false on miss. A value that no longer
// decodes into T is deleted and reported as a miss so stale shapes never
// propagate across deploys.
func Get[T any](ctx context.Context, c *Client, key string) (T, bool, error) {
	var zero T
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, errkind.E(errkind.CacheUnavailable, "cache.Get", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		c.logger.WarnContext(ctx, "cached value no longer matches declared shape, dropping",
			"key", key, "error", err)
		_ = c.rdb.Del(ctx, key).Err()
		return zero, false, nil
	}
	return v, true, nil
}

// Set writes v under key with a TTL.
func Set[T any](ctx context.Context, c *Client, key string, v T, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errkind.E(errkind.Internal, "cache.Set", err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return errkind.E(errkind.CacheUnavailable, "cache.Set", err)
	}
	return nil
}

// Invalidate removes the given keys.
func (c *Client) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return errkind.E(errkind.CacheUnavailable, "cache.Invalidate", err)
	}
	return nil
}

// InvalidatePrefix removes every key under prefix using cursor scans.
func (c *Client) InvalidatePrefix(ctx context.Context, prefix string) error {
	const op = "cache.InvalidatePrefix"
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, prefix+"*", 256).Result()
		if err != nil {
			return errkind.E(errkind.CacheUnavailable, op, err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return errkind.E(errkind.CacheUnavailable, op, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Incr atomically increments a windowed counter, starting the TTL on the
// first increment so the window is anchored to first use.
func (c *Client) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, errkind.E(errkind.CacheUnavailable, "cache.Incr", err)
	}
	return n, nil
}

// IncrBy adds delta to a windowed counter. Trend aggregates that sum
// weighted values (risk scores) use this instead of repeated Incr calls.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64, window time.Duration) (int64, error) {
	n, err := incrByScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds(), delta).Int64()
	if err != nil {
		return 0, errkind.E(errkind.CacheUnavailable, "cache.IncrBy", err)
	}
	return n, nil
}

// GetCounter reads a windowed counter without touching it.
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errkind.E(errkind.CacheUnavailable, "cache.GetCounter", err)
	}
	return n, nil
}

// Lock is a held SETNX lease.
type Lock struct {
	c     *Client
	key   string
	token string
}

// AcquireLock takes a short-TTL exclusive lock. ok=false means another
// holder owns the key; that is not an error.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, errkind.E(errkind.CacheUnavailable, "cache.AcquireLock", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{c: c, key: key, token: token}, true, nil
}

// Release frees the lock if this holder still owns it. Releasing an
// expired or stolen lock is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.c.rdb, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errkind.E(errkind.CacheUnavailable, "cache.ReleaseLock", err)
	}
	return nil
}

// Key builders for the engine's key categories.

// SessionKey caches an authenticated session by token.
func SessionKey(token string) string { return Namespace + "session:" + token }

// DocMetaKey caches document metadata by content fingerprint.
func DocMetaKey(fingerprint string) string { return Namespace + "doc_meta:" + fingerprint }

// ContentKey holds a version's normalized text by fingerprint. This is the
// only place content outlives a queue payload; change detection diffs
// against it and treats a miss as an unclassifiable modification.
func ContentKey(fingerprint string) string { return Namespace + "content:" + fingerprint }

// AnalysisKey caches a completed analysis by id.
func AnalysisKey(id string) string { return Namespace + "analysis:" + id }

// PatternLibKey caches the full active pattern library.
func PatternLibKey() string { return Namespace + "pattern_lib:all" }

// RateLimitKey holds a windowed request counter for an identifier.
func RateLimitKey(identifier string) string { return Namespace + "rate_limit:" + identifier }

// DedupLockKey guards single-worker analysis execution per fingerprint.
func DedupLockKey(fingerprint string) string { return Namespace + "dedup_lock:" + fingerprint }

// DashboardKey caches an owner's dashboard summary.
func DashboardKey(ownerID string) string { return Namespace + "dashboard:" + ownerID }

// OwnerPrefix spans every cached value scoped to one owner.
func OwnerPrefix(ownerID string) string { return Namespace + "owner:" + ownerID + ":" }

// TrendKey holds one compliance trend counter bucket.
func TrendKey(bucket string, windowStart time.Time) string {
	return Namespace + "trend:" + bucket + ":" + windowStart.UTC().Format("20060102T150405")
}
