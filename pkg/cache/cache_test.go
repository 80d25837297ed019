package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fineprintai/engine/pkg/errkind"
)

type docMeta struct {
	DocumentID  string `json:"document_id"`
	Fingerprint string `json:"fingerprint"`
	VersionSeq  int    `json:"version_seq"`
}

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	want := docMeta{DocumentID: "d1", Fingerprint: "abc", VersionSeq: 3}
	require.NoError(t, Set(ctx, c, DocMetaKey("abc"), want, time.Hour))

	got, ok, err := Get[docMeta](ctx, c, DocMetaKey("abc"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestClient(t)
	_, ok, err := Get[docMeta](context.Background(), c, DocMetaKey("nothing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchemaMismatchDeletesAndMisses(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	// A payload shape from an older deploy: extra field the current type
	// does not carry.
	mr.Set(DocMetaKey("old"), `{"document_id":"d1","fingerprint":"f","version_seq":1,"legacy_field":true}`)

	_, ok, err := Get[docMeta](ctx, c, DocMetaKey("old"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(DocMetaKey("old")), "mismatched entry must be deleted")
}

func TestSetAppliesTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, Set(ctx, c, AnalysisKey("a1"), docMeta{DocumentID: "d"}, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := Get[docMeta](ctx, c, AnalysisKey("a1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrWindow(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	key := RateLimitKey("owner-1")

	n, err := c.Incr(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Window expires, counter restarts.
	mr.FastForward(2 * time.Minute)
	n, err = c.Incr(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIncrByAccumulatesWithinWindow(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	key := TrendKey("risk_sum:eu:tos", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	n, err := c.IncrBy(ctx, key, 42, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = c.IncrBy(ctx, key, 13, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(55), n)

	mr.FastForward(2 * time.Hour)
	n, err = c.IncrBy(ctx, key, 7, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n, "a new window starts after expiry")
}

func TestAcquireLock(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	key := DedupLockKey("fp-1")

	lock, ok, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must observe a busy lock")

	require.NoError(t, lock.Release(ctx))

	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lock must be acquirable")
}

func TestReleaseDoesNotStealExpiredLock(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	key := DedupLockKey("fp-2")

	stale, ok, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The lock expires and another worker takes it.
	mr.FastForward(2 * time.Minute)
	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale holder's release must not remove the new owner's lock.
	require.NoError(t, stale.Release(ctx))
	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidatePrefix(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, Set(ctx, c, OwnerPrefix("u1")+"dashboard", 1, time.Hour))
	require.NoError(t, Set(ctx, c, OwnerPrefix("u1")+"quota", 2, time.Hour))
	require.NoError(t, Set(ctx, c, OwnerPrefix("u2")+"dashboard", 3, time.Hour))

	require.NoError(t, c.InvalidatePrefix(ctx, OwnerPrefix("u1")))

	assert.False(t, mr.Exists(OwnerPrefix("u1")+"dashboard"))
	assert.False(t, mr.Exists(OwnerPrefix("u1")+"quota"))
	assert.True(t, mr.Exists(OwnerPrefix("u2")+"dashboard"))
}

func TestUnavailableMapsToKind(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	mr.Close()

	_, _, err := Get[docMeta](ctx, c, DocMetaKey("x"))
	require.Error(t, err)
	assert.Equal(t, errkind.CacheUnavailable, errkind.KindOf(err))

	err = Set(ctx, c, DocMetaKey("x"), docMeta{}, time.Minute)
	require.Error(t, err)
	assert.Equal(t, errkind.CacheUnavailable, errkind.KindOf(err))

	_, err = c.Incr(ctx, RateLimitKey("x"), time.Minute)
	require.Error(t, err)
	assert.Equal(t, errkind.CacheUnavailable, errkind.KindOf(err))
}
