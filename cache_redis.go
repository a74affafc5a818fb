package touriquest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a ResponseCache backed by Redis, for deployments that want
// cached responses to survive process restarts and be shared across
// instances. Redis enforces TTL expiry; the size budget is Redis's own
// maxmemory policy.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	logger    Logger
}

// NewRedisCache wraps an existing Redis client. keyPrefix namespaces the
// cache keys; empty defaults to "touriquest:cache:".
func NewRedisCache(client *redis.Client, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "touriquest:cache:"
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// SetLogger attaches a logger for reporting backend errors. Lookups degrade
// to misses on backend failure rather than failing the request.
func (c *RedisCache) SetLogger(logger Logger) {
	c.logger = logger
}

// Get retrieves a fresh entry, treating backend errors and corrupt payloads
// as misses.
func (c *RedisCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	data, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.Warn("redis cache get failed", "key", key, "error", err.Error())
		}
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		if c.logger != nil {
			c.logger.Warn("redis cache entry corrupt", "key", key, "error", err.Error())
		}
		_ = c.client.Del(ctx, c.keyPrefix+key).Err()
		return nil, false
	}

	if entry.Expired(time.Now()) {
		_ = c.client.Del(ctx, c.keyPrefix+key).Err()
		return nil, false
	}

	return &entry, true
}

// Set stores an entry with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := time.Now()
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("redis cache marshal failed", "key", key, "error", err.Error())
		}
		return
	}

	if err := c.client.Set(ctx, c.keyPrefix+key, data, ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("redis cache set failed", "key", key, "error", err.Error())
	}
}

// Delete removes the entry for key.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.keyPrefix+key).Err(); err != nil && c.logger != nil {
		c.logger.Warn("redis cache delete failed", "key", key, "error", err.Error())
	}
}

// DeletePathPrefix removes entries whose request path equals the prefix or
// extends it at a segment boundary. Fingerprints embed the path as the
// second |-separated field; the SCAN pattern over-selects (it would also hit
// "/bookings/421" for prefix "/bookings/42"), so every candidate is
// re-checked before deletion.
func (c *RedisCache) DeletePathPrefix(ctx context.Context, pathPrefix string) {
	pattern := c.keyPrefix + "*|" + pathPrefix + "*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		fingerprint := strings.TrimPrefix(iter.Val(), c.keyPrefix)
		if !pathWithinPrefix(fingerprintPath(fingerprint), pathPrefix) {
			continue
		}
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil && c.logger != nil {
			c.logger.Warn("redis cache invalidate failed", "key", iter.Val(), "error", err.Error())
		}
	}
	if err := iter.Err(); err != nil && c.logger != nil {
		c.logger.Warn("redis cache scan failed", "pattern", pattern, "error", err.Error())
	}
}

// Clear removes every entry under the cache prefix.
func (c *RedisCache) Clear(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		_ = c.client.Del(ctx, iter.Val()).Err()
	}
}

// Stats reports the number of entries under the cache prefix. Aggregate
// byte size is not tracked client-side for the Redis backend.
func (c *RedisCache) Stats() (int, int64) {
	ctx := context.Background()
	entries := 0
	iter := c.client.Scan(ctx, 0, c.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		entries++
	}
	return entries, 0
}
