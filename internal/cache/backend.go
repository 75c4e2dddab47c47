// ABOUTME: Backend abstraction over the external key-value store behind the cache.
// ABOUTME: Implemented by the in-process LRU and by Redis.

package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a Backend when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// ErrClosed is returned by a Backend after Close.
var ErrClosed = errors.New("cache backend closed")

// Backend is the raw byte store the Cache wraps. Implementations must be safe
// for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent. Returns true when stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key beginning with prefix and returns how many
	// were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}
