package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "entity-hierarchy-engine/errors"

	"github.com/go-redis/redis/v8"
)

// RedisCacheConfig holds L2 shared-cache client configuration
type RedisCacheConfig struct {
	Addr     string        `json:"addr"`
	Password string        `json:"-"`
	DB       int           `json:"db"`
	Timeout  time.Duration `json:"timeout"`
}

// DefaultRedisCacheConfig returns default shared-cache configuration
func DefaultRedisCacheConfig() *RedisCacheConfig {
	return &RedisCacheConfig{
		Addr:    "localhost:6379",
		DB:      0,
		Timeout: 250 * time.Millisecond,
	}
}

// RedisSharedCache implements SharedCache over Redis. Every call runs through
// a bounded retryer and a circuit breaker: the coordinator treats this tier
// as an optional accelerator, so failures surface as tier_unavailable and
// degrade to a miss instead of cascading.
type RedisSharedCache struct {
	client  *redis.Client
	config  *RedisCacheConfig
	retryer *apperrors.Retryer
	breaker *apperrors.CircuitBreaker
	logger  Logger
}

// NewRedisSharedCache creates the L2 shared cache client
func NewRedisSharedCache(config *RedisCacheConfig, logger Logger) *RedisSharedCache {
	if config == nil {
		config = DefaultRedisCacheConfig()
	}
	if logger == nil {
		logger = NewDefaultLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
	})

	return &RedisSharedCache{
		client:  client,
		config:  config,
		retryer: apperrors.NewRetryer(apperrors.SharedCacheRetryConfig()),
		breaker: apperrors.NewCircuitBreaker(nil),
		logger:  logger.With(String("component", "shared_cache")),
	}
}

// Get retrieves and deserializes a value. The bool result distinguishes a
// miss from a hit; backend failures come back as tier_unavailable.
func (c *RedisSharedCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	var payload string
	found := false

	err := c.execute(ctx, "get", func() error {
		val, err := c.client.Get(ctx, key).Result()
		if err == redis.Nil {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		payload = val
		found = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if err := json.Unmarshal([]byte(payload), dest); err != nil {
		// A corrupt entry is treated as a miss; it will be repopulated
		c.logger.Warn("discarding undecodable shared cache entry", String("key", key))
		_ = c.Delete(ctx, key)
		return false, nil
	}

	return true, nil
}

// Set stores a value with the given TTL
func (c *RedisSharedCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize shared cache value: %w", err)
	}

	return c.execute(ctx, "set", func() error {
		return c.client.Set(ctx, key, data, ttl).Err()
	})
}

// Delete removes keys. Absent keys are a no-op - invalidation stays
// idempotent.
func (c *RedisSharedCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.execute(ctx, "delete", func() error {
		return c.client.Del(ctx, keys...).Err()
	})
}

// DeletePrefix removes every key under a prefix using incremental SCAN so a
// large invalidation never blocks the backend.
func (c *RedisSharedCache) DeletePrefix(ctx context.Context, prefix string) error {
	return c.execute(ctx, "delete_prefix", func() error {
		iter := c.client.Scan(ctx, 0, prefix+"*", 256).Iterator()

		batch := make([]string, 0, 256)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == 256 {
				if err := c.client.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			return c.client.Del(ctx, batch...).Err()
		}
		return nil
	})
}

// Publish sends an invalidation payload on a pub/sub channel for external
// real-time consumers
func (c *RedisSharedCache) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize published payload: %w", err)
	}

	return c.execute(ctx, "publish", func() error {
		return c.client.Publish(ctx, channel, data).Err()
	})
}

// Ping checks backend reachability
func (c *RedisSharedCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return apperrors.NewTierUnavailableError("L2", "ping failed", err)
	}
	return nil
}

// Close releases the client
func (c *RedisSharedCache) Close() error {
	return c.client.Close()
}

// execute runs one backend call through the breaker and the bounded retryer,
// normalizing failures into tier_unavailable
func (c *RedisSharedCache) execute(ctx context.Context, op string, fn func() error) error {
	err := c.breaker.Execute(ctx, func() error {
		return c.retryer.Execute(ctx, func() error {
			if err := fn(); err != nil {
				return apperrors.NewTierUnavailableError("L2",
					fmt.Sprintf("%s failed", op), err)
			}
			return nil
		})
	})
	if err != nil {
		c.logger.Warn("shared cache operation degraded",
			String("op", op),
			String("error", err.Error()))
		if apperrors.IsTierUnavailable(err) {
			return err
		}
		return apperrors.NewTierUnavailableError("L2", fmt.Sprintf("%s failed", op), err)
	}
	return nil
}
