package schema

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolved schema documents keyed by schema path.
type Cache interface {
	// Get returns the cached document. found is false on a miss or expiry.
	Get(ctx context.Context, path string) (doc []byte, found bool, err error)

	// Set stores a resolved document with the cache's TTL.
	Set(ctx context.Context, path string, doc []byte) error

	// HealthCheck verifies the cache backend is reachable.
	HealthCheck(ctx context.Context) error
}

// cacheKey builds the storage key for a schema path.
func cacheKey(path string) string {
	return "bandflow:schema:" + path
}

// --- MemoryCache ---

// MemoryCache is an in-process Cache with TTL expiry.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	doc       []byte
	expiresAt time.Time
}

// NewMemoryCache creates an in-memory cache. A non-positive ttl disables expiry.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Get returns the cached document for path.
func (c *MemoryCache) Get(_ context.Context, path string) ([]byte, bool, error) {
	key := cacheKey(path)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return entry.doc, true, nil
}

// Set stores doc for path.
func (c *MemoryCache) Set(_ context.Context, path string, doc []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(path)] = memEntry{
		doc:       append([]byte(nil), doc...),
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (c *MemoryCache) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// --- RedisCache ---

// RedisCache is a Redis-backed Cache shared between bandflow replicas.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached document for path.
func (c *RedisCache) Get(ctx context.Context, path string) ([]byte, bool, error) {
	key := cacheKey(path)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return raw, true, nil
}

// Set stores doc for path.
func (c *RedisCache) Set(ctx context.Context, path string, doc []byte) error {
	key := cacheKey(path)
	ttl := c.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, key, doc, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// NopCache never stores anything.
type NopCache struct{}

// Get always misses.
func (NopCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

// Set discards doc.
func (NopCache) Set(context.Context, string, []byte) error { return nil }

// HealthCheck always succeeds.
func (NopCache) HealthCheck(context.Context) error { return nil }
