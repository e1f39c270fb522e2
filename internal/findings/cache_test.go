package findings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, time.Minute), mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cache, _ := newTestRedisCache(t)
	ctx := context.Background()

	stored := ViolationReport{TenantID: 1, TotalOpen: 3}
	require.NoError(t, cache.Set(ctx, "aegis:reports:1:violations", stored))

	var loaded ViolationReport
	hit, err := cache.Get(ctx, "aegis:reports:1:violations", &loaded)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, stored.TotalOpen, loaded.TotalOpen)
}

func TestRedisCacheMiss(t *testing.T) {
	cache, _ := newTestRedisCache(t)

	var loaded ViolationReport
	hit, err := cache.Get(context.Background(), "aegis:reports:9:violations", &loaded)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestRedisCacheInvalidate(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "aegis:reports:1:violations", ViolationReport{TenantID: 1}))
	require.NoError(t, cache.Set(ctx, "aegis:reports:1:compliance", ComplianceReport{TenantID: 1}))
	require.NoError(t, cache.Invalidate(ctx, "aegis:reports:1:violations", "aegis:reports:1:compliance"))

	require.False(t, mr.Exists("aegis:reports:1:violations"))
	require.False(t, mr.Exists("aegis:reports:1:compliance"))
}

func TestRedisCacheExpiry(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "aegis:reports:1:violations", ViolationReport{TenantID: 1}))
	mr.FastForward(2 * time.Minute)

	var loaded ViolationReport
	hit, err := cache.Get(ctx, "aegis:reports:1:violations", &loaded)
	require.NoError(t, err)
	require.False(t, hit)
}
