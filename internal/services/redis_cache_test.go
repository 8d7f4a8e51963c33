package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+mr.Addr(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestRedisCacheGetSetDelete(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()

	var got string
	assert.ErrorIs(t, cache.Get(ctx, "mpesa:token", &got), ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "mpesa:token", "abc", time.Minute))
	require.NoError(t, cache.Get(ctx, "mpesa:token", &got))
	assert.Equal(t, "abc", got)
	assert.Equal(t, time.Minute, mr.TTL("mpesa:token"))

	require.NoError(t, cache.Delete(ctx, "mpesa:token"))
	assert.ErrorIs(t, cache.Get(ctx, "mpesa:token", &got), ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "mpesa:token", "def", time.Minute))
	mr.FastForward(time.Minute)
	assert.ErrorIs(t, cache.Get(ctx, "mpesa:token", &got), ErrCacheMiss)
}

func TestRedisLockIsExclusive(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()
	const key = "hotspot:task:expire_access"

	token, ok, err := cache.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)
	assert.Equal(t, time.Minute, mr.TTL(key))

	_, ok, err = cache.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Release(ctx, key, token))
	assert.False(t, mr.Exists(key))

	_, ok, err = cache.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisReleaseChecksToken(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()
	const key = "hotspot:task:expire_access"

	stale, ok, err := cache.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The first holder's lock lapses and another process takes it over.
	mr.FastForward(time.Minute)
	current, ok, err := cache.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, stale, current)

	require.NoError(t, cache.Release(ctx, key, stale))
	held, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, current, held)

	require.NoError(t, cache.Release(ctx, key, current))
	assert.False(t, mr.Exists(key))
}

func TestRedisLockRejectsBadArguments(t *testing.T) {
	cache, _ := newTestRedisCache(t)
	ctx := context.Background()

	_, _, err := cache.TryLock(ctx, "", time.Minute)
	assert.Error(t, err)
	_, _, err = cache.TryLock(ctx, "k", 0)
	assert.Error(t, err)
	assert.NoError(t, cache.Release(ctx, "k", ""))
}
