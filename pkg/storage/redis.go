package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient wraps the Redis connection used for caching, idempotency
// claims, and rate limiting.
type RedisClient struct {
	client *redis.Client
	config Config
}

// NewRedisClient creates a Redis client and verifies connectivity.
func NewRedisClient(cfg Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB >= 0 {
		opts.DB = cfg.RedisDB
	}
	if cfg.RedisMaxRetries > 0 {
		opts.MaxRetries = cfg.RedisMaxRetries
	}
	if cfg.RedisPoolSize > 0 {
		opts.PoolSize = cfg.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client, config: cfg}, nil
}

// NewRedisClientFromExisting wraps an already-constructed client. Used by
// tests with miniredis.
func NewRedisClientFromExisting(client *redis.Client, cfg Config) *RedisClient {
	return &RedisClient{client: client, config: cfg}
}

// ClaimIdempotencyKey atomically claims an idempotency key within a scope.
// Returns true when this caller is the first to claim the key; false means
// the operation already ran and must not be repeated.
func (c *RedisClient) ClaimIdempotencyKey(ctx context.Context, scope, key string, ttl time.Duration) (bool, error) {
	redisKey := fmt.Sprintf("idem:%s:%s", scope, key)
	claimed, err := c.client.SetNX(ctx, redisKey, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim failed: %w", err)
	}
	return claimed, nil
}

// ReleaseIdempotencyKey releases a claim so the operation can be retried.
// Called when the claimed operation fails before producing durable effects.
func (c *RedisClient) ReleaseIdempotencyKey(ctx context.Context, scope, key string) error {
	redisKey := fmt.Sprintf("idem:%s:%s", scope, key)
	return c.client.Del(ctx, redisKey).Err()
}

// GetJSON retrieves a cached value and unmarshals it into dest. Returns
// false on a cache miss. Corrupt entries are deleted and reported as a miss.
func (c *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		c.client.Del(ctx, key)
		return false, nil
	}

	return true, nil
}

// SetJSON caches a value as JSON with the given TTL.
func (c *RedisClient) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes keys from the cache.
func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// InvalidatePattern removes keys matching a glob pattern using SCAN.
func (c *RedisClient) InvalidatePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
	}
	return nil
}

// Incr increments a counter (for rate limiting).
func (c *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire sets a key's expiration.
func (c *RedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.client.Expire(ctx, key, expiration).Err()
}

// TTL returns the remaining time to live of a key.
func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, key).Result()
}

// SetNX sets a key only if it doesn't exist (for distributed locks).
func (c *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, expiration).Result()
}

// Ping checks Redis connectivity.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetClient returns the underlying Redis client for health checks and
// middleware that needs pipeline access.
func (c *RedisClient) GetClient() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *RedisClient) Close() error {
	return c.client.Close()
}
