package database

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ViewCache remembers which views are known to exist so queries can skip provisioning.
// A stale entry only costs a failed query; the store stays authoritative.
type ViewCache interface {
	Known(ctx context.Context, db string, view ViewDefinition) bool
	MarkKnown(ctx context.Context, db string, view ViewDefinition)
	Forget(ctx context.Context, db string, view ViewDefinition)
}

// MemoryViewCache is the process-lifetime cache used by default.
type MemoryViewCache struct {
	mu    sync.RWMutex
	known map[string]bool
}

func NewMemoryViewCache() *MemoryViewCache {
	return &MemoryViewCache{known: map[string]bool{}}
}

func (c *MemoryViewCache) Known(ctx context.Context, db string, view ViewDefinition) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.known[db+":"+view.key()]
}

func (c *MemoryViewCache) MarkKnown(ctx context.Context, db string, view ViewDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[db+":"+view.key()] = true
}

func (c *MemoryViewCache) Forget(ctx context.Context, db string, view ViewDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.known, db+":"+view.key())
}

// redisClient is the subset of *redis.Client used by RedisViewCache.
type redisClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisViewCache shares known views between processes. Redis failures read as unknown.
type RedisViewCache struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

func NewRedisViewCache(client *redis.Client, prefix string, ttl time.Duration) *RedisViewCache {
	return newRedisViewCache(client, prefix, ttl)
}

func newRedisViewCache(client redisClient, prefix string, ttl time.Duration) *RedisViewCache {
	if prefix == "" {
		prefix = "couch_views"
	}
	return &RedisViewCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisViewCache) cacheKey(db string, view ViewDefinition) string {
	return c.prefix + ":" + db + ":" + view.key()
}

func (c *RedisViewCache) Known(ctx context.Context, db string, view ViewDefinition) bool {
	n, err := c.client.Exists(ctx, c.cacheKey(db, view)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

func (c *RedisViewCache) MarkKnown(ctx context.Context, db string, view ViewDefinition) {
	_ = c.client.Set(ctx, c.cacheKey(db, view), 1, c.ttl).Err()
}

func (c *RedisViewCache) Forget(ctx context.Context, db string, view ViewDefinition) {
	_ = c.client.Del(ctx, c.cacheKey(db, view)).Err()
}
