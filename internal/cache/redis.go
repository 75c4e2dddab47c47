// ABOUTME: Redis backend for the cache layer using go-redis.
// ABOUTME: Shared across gateway instances; prefix deletes walk the keyspace with SCAN.

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint for SCAN and the DEL batch size.
const scanBatch = 200

// RedisBackend implements Backend on top of a Redis server.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to the Redis instance described by url
// (redis://[user:pass@]host:port/db).
func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get returns the value for key or ErrMiss.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value with an expiry of ttl.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only if key does not exist.
func (r *RedisBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes keys.
func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeletePrefix scans for prefix* and deletes matches in batches.
func (r *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	iter := r.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()

	removed := 0
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Close closes the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
