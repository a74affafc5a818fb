package touriquest

import (
	"context"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"
)

// CacheEntry is a stored successful response. Entries never outlive their
// TTL; the aggregate size of all entries never exceeds the cache budget.
type CacheEntry struct {
	Fingerprint string      `json:"fingerprint"`
	StatusCode  int         `json:"status_code"`
	Header      http.Header `json:"header"`
	Body        []byte      `json:"body"`
	StoredAt    time.Time   `json:"stored_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Size approximates the entry's memory footprint in bytes for budget
// accounting.
func (e *CacheEntry) Size() int64 {
	size := int64(len(e.Fingerprint) + len(e.Body))
	for key, values := range e.Header {
		size += int64(len(key))
		for _, value := range values {
			size += int64(len(value))
		}
	}
	return size
}

// Expired reports whether the entry's TTL has elapsed.
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ResponseCache stores successful responses keyed by request fingerprint.
// Implementations must be safe for concurrent use.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool)
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration)
	Delete(ctx context.Context, key string)
	// DeletePathPrefix removes every entry whose request path starts with
	// the given prefix. The executor calls it after successful writes so
	// mutated resources are never served stale.
	DeletePathPrefix(ctx context.Context, pathPrefix string)
	Clear(ctx context.Context)
	// Stats returns the current entry count and aggregate size in bytes.
	Stats() (entries int, sizeBytes int64)
}

const cacheShardCount = 16

// InMemoryCache is a sharded in-memory ResponseCache with TTL expiry and
// LRU eviction against a byte budget.
type InMemoryCache struct {
	shards [cacheShardCount]*cacheShard
}

type cacheShard struct {
	mu        sync.Mutex
	store     map[string]*lruEntry
	head      *lruEntry // most recently used
	tail      *lruEntry // least recently used
	sizeBytes int64
	maxBytes  int64
}

type lruEntry struct {
	key        string
	entry      *CacheEntry
	size       int64
	prev, next *lruEntry
}

// NewInMemoryCache creates a cache bounded to maxSizeBytes across all
// shards. A non-positive budget falls back to 16 MiB.
func NewInMemoryCache(maxSizeBytes int64) *InMemoryCache {
	if maxSizeBytes <= 0 {
		maxSizeBytes = 16 << 20
	}
	perShard := maxSizeBytes / cacheShardCount
	if perShard < 1 {
		perShard = 1
	}

	c := &InMemoryCache{}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			store:    make(map[string]*lruEntry),
			maxBytes: perShard,
		}
	}
	return c
}

func (c *InMemoryCache) getShard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%cacheShardCount]
}

// Get returns the entry for key if present and fresh, promoting it to most
// recently used.
func (c *InMemoryCache) Get(_ context.Context, key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	le, exists := shard.store[key]
	if !exists {
		return nil, false
	}

	if le.entry.Expired(time.Now()) {
		shard.remove(le)
		return nil, false
	}

	shard.moveToFront(le)
	return le.entry, true
}

// Set stores an entry, evicting least-recently-used entries until the shard
// fits its budget.
func (c *InMemoryCache) Set(_ context.Context, key string, entry *CacheEntry, ttl time.Duration) {
	now := time.Now()
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)

	le := &lruEntry{key: key, entry: entry, size: entry.Size()}

	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.store[key]; ok {
		shard.remove(existing)
	}

	// An entry larger than the whole shard budget is not cached at all.
	if le.size > shard.maxBytes {
		return
	}

	for shard.sizeBytes+le.size > shard.maxBytes && shard.tail != nil {
		shard.remove(shard.tail)
	}

	shard.store[key] = le
	shard.pushFront(le)
	shard.sizeBytes += le.size
}

// Delete removes the entry for key, if any.
func (c *InMemoryCache) Delete(_ context.Context, key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if le, ok := shard.store[key]; ok {
		shard.remove(le)
	}
}

// DeletePathPrefix removes entries whose request path equals the prefix or
// extends it at a segment boundary.
func (c *InMemoryCache) DeletePathPrefix(_ context.Context, pathPrefix string) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, le := range shard.store {
			if pathWithinPrefix(fingerprintPath(key), pathPrefix) {
				shard.remove(le)
			}
		}
		shard.mu.Unlock()
	}
}

// Clear removes all entries.
func (c *InMemoryCache) Clear(_ context.Context) {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*lruEntry)
		shard.head = nil
		shard.tail = nil
		shard.sizeBytes = 0
		shard.mu.Unlock()
	}
}

// Stats returns the entry count and aggregate byte size across shards.
func (c *InMemoryCache) Stats() (int, int64) {
	entries := 0
	var sizeBytes int64
	for _, shard := range c.shards {
		shard.mu.Lock()
		entries += len(shard.store)
		sizeBytes += shard.sizeBytes
		shard.mu.Unlock()
	}
	return entries, sizeBytes
}

func (s *cacheShard) pushFront(le *lruEntry) {
	le.prev = nil
	le.next = s.head
	if s.head != nil {
		s.head.prev = le
	}
	s.head = le
	if s.tail == nil {
		s.tail = le
	}
}

func (s *cacheShard) unlink(le *lruEntry) {
	if le.prev != nil {
		le.prev.next = le.next
	} else {
		s.head = le.next
	}
	if le.next != nil {
		le.next.prev = le.prev
	} else {
		s.tail = le.prev
	}
	le.prev = nil
	le.next = nil
}

func (s *cacheShard) remove(le *lruEntry) {
	delete(s.store, le.key)
	s.unlink(le)
	s.sizeBytes -= le.size
}

func (s *cacheShard) moveToFront(le *lruEntry) {
	if s.head == le {
		return
	}
	s.unlink(le)
	s.pushFront(le)
}

// fingerprintPath extracts the request path component from a fingerprint of
// the form "METHOD|path|query|bodyhash".
func fingerprintPath(key string) string {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// pathWithinPrefix matches at segment granularity: "/bookings/42" covers
// "/bookings/42" and "/bookings/42/guests" but not "/bookings/421".
func pathWithinPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
