package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() *ShardedCache {
	return NewShardedCache(4, 8, time.Minute)
}

func TestShardedCache_SetGet(t *testing.T) {
	cache := newTestCache()
	defer cache.Stop()
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, cache.Set(ctx, "key1", payload{Name: "x", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, cache.Get(ctx, "key1", &got))
	assert.Equal(t, payload{Name: "x", Count: 3}, got)
}

func TestShardedCache_MissAndExpiry(t *testing.T) {
	cache := newTestCache()
	defer cache.Stop()
	ctx := context.Background()

	var dest string
	assert.Error(t, cache.Get(ctx, "absent", &dest))

	require.NoError(t, cache.Set(ctx, "short", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	assert.Error(t, cache.Get(ctx, "short", &dest))
}

func TestShardedCache_DeleteIsIdempotent(t *testing.T) {
	cache := newTestCache()
	defer cache.Stop()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "key1", "v", time.Minute))
	require.NoError(t, cache.Delete(ctx, "key1"))
	require.NoError(t, cache.Delete(ctx, "key1"))

	var dest string
	assert.Error(t, cache.Get(ctx, "key1", &dest))
}

func TestShardedCache_DeletePrefix(t *testing.T) {
	cache := newTestCache()
	defer cache.Stop()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "p1:ancestors:A", "v", time.Minute))
	require.NoError(t, cache.Set(ctx, "p1:ancestors:B", "v", time.Minute))
	require.NoError(t, cache.Set(ctx, "p1:children:A", "v", time.Minute))

	require.NoError(t, cache.DeletePrefix(ctx, "p1:ancestors:"))

	var dest string
	assert.Error(t, cache.Get(ctx, "p1:ancestors:A", &dest))
	assert.Error(t, cache.Get(ctx, "p1:ancestors:B", &dest))
	assert.NoError(t, cache.Get(ctx, "p1:children:A", &dest))
}

func TestShardedCache_EvictsWhenShardFull(t *testing.T) {
	cache := NewShardedCache(1, 4, time.Minute)
	defer cache.Stop()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("key%d", i), i, time.Minute))
	}

	stats := cache.GetStats()
	assert.LessOrEqual(t, stats.Size, 4)
	assert.Greater(t, stats.Evictions, int64(0))
}

func TestShardedCache_Stats(t *testing.T) {
	cache := newTestCache()
	defer cache.Stop()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "key1", "v", time.Minute))

	var dest string
	require.NoError(t, cache.Get(ctx, "key1", &dest))
	_ = cache.Get(ctx, "absent", &dest)

	stats := cache.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestShardedCache_StopIsIdempotent(t *testing.T) {
	cache := newTestCache()
	cache.Stop()
	cache.Stop()
}

func TestDisabledCache_NeverStores(t *testing.T) {
	cache := NewDisabledCache()
	defer cache.Stop()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "key1", "v", time.Minute))

	var dest string
	assert.Error(t, cache.Get(ctx, "key1", &dest))

	// Invalidation against the disabled tier is a no-op, never an error
	require.NoError(t, cache.Delete(ctx, "key1"))
	require.NoError(t, cache.DeletePrefix(ctx, "key"))
	require.NoError(t, cache.Clear(ctx))

	stats := cache.GetStats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
