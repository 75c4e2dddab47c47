// ABOUTME: Typed, fail-open cache facade used by every read-through caller.
// ABOUTME: Wraps a Backend with JSON envelopes, TTL enforcement and swallowed errors.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// envelope is the stored form of every value. StoredAt and TTL let Get reject
// values the backend kept past their expiry.
type envelope struct {
	Value    json.RawMessage `json:"v"`
	StoredAt time.Time       `json:"at"`
	TTL      time.Duration   `json:"ttl"`
}

// Cache is a best-effort JSON cache. A nil or disabled Cache behaves as a
// cache that always misses.
type Cache struct {
	backend Backend
	enabled bool
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Cache over backend. Pass nil logger for default.
func New(backend Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend: backend,
		enabled: backend != nil,
		logger:  logger.With("component", "cache"),
		now:     time.Now,
	}
}

// Disabled returns a Cache whose every lookup misses and every write is dropped.
func Disabled(logger *slog.Logger) *Cache {
	return New(nil, logger)
}

// Enabled reports whether a backend is attached.
func (c *Cache) Enabled() bool {
	return c != nil && c.enabled
}

// Get decodes the cached value for key into dst and reports whether it was a
// hit. It never returns an error: failures are logged and treated as a miss.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if !c.Enabled() {
		return false
	}
	ns := namespaceOf(key)

	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			cacheErrors.WithLabelValues("get").Inc()
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		cacheMisses.WithLabelValues(ns).Inc()
		return false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		cacheErrors.WithLabelValues("decode").Inc()
		c.logger.Warn("cache entry undecodable, dropping", "key", key, "error", err)
		c.drop(ctx, key)
		cacheMisses.WithLabelValues(ns).Inc()
		return false
	}

	if env.TTL > 0 && c.now().Sub(env.StoredAt) >= env.TTL {
		c.drop(ctx, key)
		cacheMisses.WithLabelValues(ns).Inc()
		return false
	}

	if err := json.Unmarshal(env.Value, dst); err != nil {
		cacheErrors.WithLabelValues("decode").Inc()
		c.logger.Warn("cache value undecodable, dropping", "key", key, "error", err)
		c.drop(ctx, key)
		cacheMisses.WithLabelValues(ns).Inc()
		return false
	}

	cacheHits.WithLabelValues(ns).Inc()
	return true
}

// Set stores value under key for ttl. Failures are logged and otherwise ignored.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if !c.Enabled() || ttl <= 0 {
		return
	}
	raw, err := c.encode(value, ttl)
	if err != nil {
		cacheErrors.WithLabelValues("encode").Inc()
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, raw, ttl); err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// Claim marks key as taken for ttl and reports whether this caller should
// proceed. It returns false only when the key was already claimed; a disabled
// or failing cache lets every caller through.
func (c *Cache) Claim(ctx context.Context, key string, ttl time.Duration) bool {
	if !c.Enabled() {
		return true
	}
	raw, err := c.encode(true, ttl)
	if err != nil {
		return true
	}
	ok, err := c.backend.SetNX(ctx, key, raw, ttl)
	if err != nil {
		cacheErrors.WithLabelValues("setnx").Inc()
		c.logger.Warn("cache claim failed", "key", key, "error", err)
		return true
	}
	return ok
}

// Invalidate removes keys.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if !c.Enabled() || len(keys) == 0 {
		return
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		cacheErrors.WithLabelValues("delete").Inc()
		c.logger.Warn("cache invalidate failed", "keys", keys, "error", err)
	}
}

// InvalidatePattern removes every key that starts with prefix.
func (c *Cache) InvalidatePattern(ctx context.Context, prefix string) {
	if !c.Enabled() || prefix == "" {
		return
	}
	n, err := c.backend.DeletePrefix(ctx, prefix)
	if err != nil {
		cacheErrors.WithLabelValues("delete_prefix").Inc()
		c.logger.Warn("cache pattern invalidate failed", "prefix", prefix, "error", err)
		return
	}
	c.logger.Debug("cache pattern invalidated", "prefix", prefix, "removed", n)
}

// InvalidateLead removes every key derived from a lead as one logical unit.
func (c *Cache) InvalidateLead(ctx context.Context, leadID, phone, orgID string) {
	keys, prefixes := LeadKeys(leadID, phone, orgID)
	c.Invalidate(ctx, keys...)
	for _, p := range prefixes {
		c.InvalidatePattern(ctx, p)
	}
}

// Close releases the backend.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.backend.Close()
}

func (c *Cache) encode(value any, ttl time.Duration) ([]byte, error) {
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Value: v, StoredAt: c.now(), TTL: ttl})
}

func (c *Cache) drop(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		cacheErrors.WithLabelValues("delete").Inc()
	}
}

// ReadThrough returns the cached value for key, or calls fetch, caches its
// result for ttl and returns it. Only fetch errors are returned.
func ReadThrough[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(ctx, key, value, ttl)
	return value, nil
}
