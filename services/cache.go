package services

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// CacheStats provides L1 cache performance metrics
type CacheStats struct {
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	HitRate     float64   `json:"hit_rate"`
	Size        int       `json:"size"`
	Shards      int       `json:"shards"`
	Evictions   int64     `json:"evictions"`
	LastCleared time.Time `json:"last_cleared"`
}

// cacheEntry represents one cached item
type cacheEntry struct {
	value     []byte
	expiresAt time.Time
	createdAt time.Time
}

// cacheShard holds one slice of the keyspace behind its own RW mutex, so
// concurrent readers on different shards never contend
type cacheShard struct {
	mu   sync.RWMutex
	data map[string]*cacheEntry
}

// ShardedCache implements CacheService as the L1 process-local tier. Keys are
// spread across shards by hash; eviction is oldest-first per shard.
type ShardedCache struct {
	shards       []*cacheShard
	shardMask    uint32
	maxPerShard  int
	janitor      *time.Ticker
	stopChan     chan struct{}
	stopOnce     sync.Once
	statsMu      sync.Mutex
	hits         int64
	misses       int64
	evictions    int64
	lastCleared  time.Time
}

// NewShardedCache creates the L1 cache. shards is rounded up to a power of
// two; cleanupInterval drives the expired-entry janitor.
func NewShardedCache(shards, maxPerShard int, cleanupInterval time.Duration) *ShardedCache {
	n := 1
	for n < shards {
		n <<= 1
	}

	cache := &ShardedCache{
		shards:      make([]*cacheShard, n),
		shardMask:   uint32(n - 1),
		maxPerShard: maxPerShard,
		janitor:     time.NewTicker(cleanupInterval),
		stopChan:    make(chan struct{}),
		lastCleared: time.Now(),
	}
	for i := range cache.shards {
		cache.shards[i] = &cacheShard{data: make(map[string]*cacheEntry)}
	}

	go cache.cleanup()

	return cache
}

// shardFor picks the shard owning a key
func (c *ShardedCache) shardFor(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()&c.shardMask]
}

// Get retrieves a value from cache and deserializes it into dest
func (c *ShardedCache) Get(ctx context.Context, key string, dest interface{}) error {
	shard := c.shardFor(key)

	shard.mu.RLock()
	entry, exists := shard.data[key]
	shard.mu.RUnlock()

	if !exists {
		c.recordMiss()
		return fmt.Errorf("cache miss: key %s not found", key)
	}

	if time.Now().After(entry.expiresAt) {
		shard.mu.Lock()
		delete(shard.data, key)
		shard.mu.Unlock()
		c.recordMiss()
		return fmt.Errorf("cache miss: key %s expired", key)
	}

	c.recordHit()
	return json.Unmarshal(entry.value, dest)
}

// Set stores a value in cache
func (c *ShardedCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize cache value: %w", err)
	}

	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if len(shard.data) >= c.maxPerShard {
		c.evictOldestLocked(shard)
	}

	shard.data[key] = &cacheEntry{
		value:     data,
		expiresAt: time.Now().Add(ttl),
		createdAt: time.Now(),
	}

	return nil
}

// Delete removes a key from cache. Deleting an absent key is a no-op, which
// is what makes invalidation idempotent.
func (c *ShardedCache) Delete(ctx context.Context, key string) error {
	shard := c.shardFor(key)
	shard.mu.Lock()
	delete(shard.data, key)
	shard.mu.Unlock()
	return nil
}

// DeletePrefix removes every key sharing a prefix across all shards
func (c *ShardedCache) DeletePrefix(ctx context.Context, prefix string) error {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key := range shard.data {
			if strings.HasPrefix(key, prefix) {
				delete(shard.data, key)
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

// Clear removes all entries from cache
func (c *ShardedCache) Clear(ctx context.Context) error {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.data = make(map[string]*cacheEntry)
		shard.mu.Unlock()
	}

	c.statsMu.Lock()
	c.lastCleared = time.Now()
	c.statsMu.Unlock()

	return nil
}

// GetStats returns cache statistics
func (c *ShardedCache) GetStats() CacheStats {
	size := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		size += len(shard.data)
		shard.mu.RUnlock()
	}

	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	stats := CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Size:        size,
		Shards:      len(c.shards),
		Evictions:   c.evictions,
		LastCleared: c.lastCleared,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Stop stops the cache cleanup goroutine
func (c *ShardedCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.janitor.Stop()
	})
}

// cleanup removes expired entries periodically
func (c *ShardedCache) cleanup() {
	for {
		select {
		case <-c.janitor.C:
			c.removeExpired()
		case <-c.stopChan:
			return
		}
	}
}

// removeExpired removes all expired entries
func (c *ShardedCache) removeExpired() {
	now := time.Now()
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.data {
			if now.After(entry.expiresAt) {
				delete(shard.data, key)
			}
		}
		shard.mu.Unlock()
	}
}

// evictOldestLocked removes the oldest entry in a shard; caller holds the lock
func (c *ShardedCache) evictOldestLocked(shard *cacheShard) {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range shard.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(shard.data, oldestKey)
		c.statsMu.Lock()
		c.evictions++
		c.statsMu.Unlock()
	}
}

func (c *ShardedCache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *ShardedCache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

// DisabledCache is the CacheService used when the process-local tier is
// switched off: it stores nothing, so every read falls through to the shared
// and durable tiers. Invalidation against it is trivially a no-op.
type DisabledCache struct {
	misses int64
	mu     sync.Mutex
}

// NewDisabledCache creates a cache that never stores anything
func NewDisabledCache() *DisabledCache {
	return &DisabledCache{}
}

// Get always misses
func (c *DisabledCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return fmt.Errorf("cache miss: local tier disabled")
}

// Set discards the value
func (c *DisabledCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return nil
}

// Delete is a no-op
func (c *DisabledCache) Delete(ctx context.Context, key string) error {
	return nil
}

// DeletePrefix is a no-op
func (c *DisabledCache) DeletePrefix(ctx context.Context, prefix string) error {
	return nil
}

// Clear is a no-op
func (c *DisabledCache) Clear(ctx context.Context) error {
	return nil
}

// GetStats reports only the miss count
func (c *DisabledCache) GetStats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Misses: c.misses}
}

// Stop is a no-op
func (c *DisabledCache) Stop() {}
