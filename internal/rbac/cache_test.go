package rbac

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noIncrStore refuses atomic increments, as some managed caches do for
// keys without an expiry.
type noIncrStore struct {
	*LocalStore
	lastTTL time.Duration
}

func (s *noIncrStore) Incr(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("INCR not supported")
}

func (s *noIncrStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.HasPrefix(key, versionKeyPrefix) {
		s.lastTTL = ttl
	}
	return s.LocalStore.Set(ctx, key, value, ttl)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "perm:version:42", versionKey(42))
	assert.Equal(t, "perm:v3:42:global:can:tickets.view", keyCan(3, 42, nil, "tickets.view"))
	assert.Equal(t, "perm:v3:42:7:can:tickets.view", keyCan(3, 42, Int64(7), "tickets.view"))
	assert.Equal(t, "perm:v0:42:super", keySuper(0, 42))
	assert.Equal(t, "perm:v1:42:7:set", keySet(1, 42, Int64(7)))
}

func TestCacheBumpWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cache := NewCache(NewRedisStore(client), CacheOptions{TTL: time.Minute, Metrics: metrics, Logger: discardLogger()})
	ctx := context.Background()

	ver, err := cache.Version(ctx, userID)
	require.NoError(t, err)
	require.Zero(t, ver)

	for want := int64(1); want <= 3; want++ {
		got, err := cache.Bump(ctx, userID)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.invalidations.WithLabelValues("incr")))
	assert.Zero(t, mr.TTL(versionKey(userID)), "version counter has no expiry")

	key := keyCan(3, userID, nil, "tickets.view")
	require.NoError(t, cache.PutBool(ctx, key, true))
	assert.Equal(t, time.Minute, mr.TTL(key))

	val, ok, err := cache.GetBool(ctx, "can", key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, val)
	_, ok, err = cache.GetBool(ctx, "can", keyCan(2, userID, nil, "tickets.view"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.lookups.WithLabelValues("can", "hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.lookups.WithLabelValues("can", "miss")))

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.GetBool(ctx, "can", key)
	require.NoError(t, err)
	assert.False(t, ok, "entries expire with the ttl")
}

func TestCacheBumpFallsBackToBoundedTTL(t *testing.T) {
	local, err := NewLocalStore(16)
	require.NoError(t, err)
	store := &noIncrStore{LocalStore: local}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cache := NewCache(store, CacheOptions{FallbackTTL: 48 * time.Hour, Metrics: metrics, Logger: discardLogger()})
	ctx := context.Background()

	first, err := cache.Bump(ctx, userID)
	require.NoError(t, err)
	second, err := cache.Bump(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, 48*time.Hour, store.lastTTL)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.invalidations.WithLabelValues("fallback")))

	ver, err := cache.Version(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ver)
}

func TestCacheNamesRoundTrip(t *testing.T) {
	local, err := NewLocalStore(0)
	require.NoError(t, err)
	cache := NewCache(local, CacheOptions{})
	ctx := context.Background()
	key := keySet(0, userID, nil)

	require.NoError(t, cache.PutNames(ctx, key, nil))
	names, ok, err := cache.GetNames(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{}, names)
}

func TestNilCacheIsNoop(t *testing.T) {
	var cache *Cache
	ctx := context.Background()
	ver, err := cache.Bump(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, ver)
	_, ok, err := cache.GetBool(ctx, "can", "k")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, cache.PutNames(ctx, "k", []string{"a"}))
}

func TestLocalStoreExpiry(t *testing.T) {
	store, err := NewLocalStore(4)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "1", time.Second))
	v, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", v)

	now = now.Add(time.Second)
	_, ok, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "forever", "x", 0))
	now = now.Add(365 * 24 * time.Hour)
	_, ok, err = store.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalStoreCountersSurviveEviction(t *testing.T) {
	store, err := NewLocalStore(2)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Incr(ctx, versionKey(userID))
		require.NoError(t, err)
	}
	for _, k := range []string{"x", "y", "z"} {
		require.NoError(t, store.Set(ctx, k, "1", time.Minute))
	}
	_, ok, err := store.Get(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry evicted")

	v, ok, err := store.Get(ctx, versionKey(userID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", v)

	next, err := store.Incr(ctx, versionKey(userID))
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)
}

func TestLocalStoreIncrRejectsNonInteger(t *testing.T) {
	store, err := NewLocalStore(2)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", "abc", 0))
	_, err = store.Incr(ctx, "k")
	require.Error(t, err)
}

func TestServiceOnLocalStore(t *testing.T) {
	local, err := NewLocalStore(64)
	require.NoError(t, err)
	store := newMemoryStore()
	perm := store.seedPermission("tickets.view", true)
	svc := NewService(store, WithCache(NewCache(local, CacheOptions{})), WithLogger(discardLogger()))
	admin := NewAdmin(store, svc, discardLogger())
	ctx := context.Background()

	require.False(t, svc.Can(ctx, userID, "tickets.view", nil))
	_, err = admin.CreateOverride(ctx, OverrideInput{UserID: userID, PermissionID: perm.ID, Effect: EffectAllow})
	require.NoError(t, err)
	assert.True(t, svc.Can(ctx, userID, "tickets.view", nil))
}
