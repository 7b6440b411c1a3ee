package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// maxRawKeyLen bounds key size; longer keys are replaced by an xxhash digest
// of their tail so huge filter sets don't bloat the cache.
const maxRawKeyLen = 256

type cacheEntry struct {
	value      any
	insertedAt time.Time
}

// Cache is a TTL plus capacity bounded memo for read queries. Expiry is
// checked on read; a background sweep calls CleanupExpired for entries
// nobody reads again. Eviction order is the LRU's (recency updated on hit).
type Cache struct {
	entries *lru.Cache[string, cacheEntry]
	maxSize int
	ttl     time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// CacheStats is a point-in-time snapshot for inspection commands.
type CacheStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	TTL       string  `json:"ttl"`
}

// NewCache creates a bounded cache. maxSize must be positive.
func NewCache(maxSize int, ttl time.Duration) (*Cache, error) {
	c := &Cache{maxSize: maxSize, ttl: ttl}

	entries, err := lru.NewWithEvict[string, cacheEntry](maxSize, func(string, cacheEntry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	c.entries = entries
	return c, nil
}

// Get returns the cached value, expiring it when past the TTL.
func (c *Cache) Get(key string) (any, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if time.Since(entry.insertedAt) >= c.ttl {
		c.entries.Remove(key)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.value, true
}

// Set caches a value; the LRU evicts when at capacity.
func (c *Cache) Set(key string, value any) {
	c.entries.Add(key, cacheEntry{value: value, insertedAt: time.Now()})
}

// InvalidatePattern removes entries whose key matches the glob pattern.
// Returns the number of entries removed.
func (c *Cache) InvalidatePattern(pattern string) int {
	g, err := glob.Compile(pattern)
	if err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("Invalid cache invalidation pattern")
		return 0
	}

	removed := 0
	for _, key := range c.entries.Keys() {
		if g.Match(key) {
			c.entries.Remove(key)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Str("pattern", pattern).Msg("Invalidated cache entries")
	}
	return removed
}

// InvalidateTable removes every cached read that mentions the table.
func (c *Cache) InvalidateTable(table string) int {
	return c.InvalidatePattern("*" + table + "*")
}

// CleanupExpired removes entries past the TTL; returns the count removed.
func (c *Cache) CleanupExpired() int {
	removed := 0
	now := time.Now()
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(entry.insertedAt) >= c.ttl {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Clear drops everything and resets the counters.
func (c *Cache) Clear() {
	c.entries.Purge()
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// Len returns the number of live entries, expired or not.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total) * 100
	}

	return CacheStats{
		Size:      c.entries.Len(),
		MaxSize:   c.maxSize,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRate:   rate,
		TTL:       c.ttl.String(),
	}
}

// CacheKey builds a canonical key for an operation against a table. Parts
// are sorted so equivalent option sets share one key.
func CacheKey(op, table string, parts ...string) string {
	sorted := make([]string, len(parts))
	copy(sorted, parts)
	sort.Strings(sorted)

	key := op + ":" + table
	if len(sorted) > 0 {
		key += ":" + strings.Join(sorted, "&")
	}

	if len(key) > maxRawKeyLen {
		digest := xxhash.Sum64String(key[maxRawKeyLen:])
		key = fmt.Sprintf("%s#%016x", key[:maxRawKeyLen], digest)
	}
	return key
}

// queryKey canonicalizes QueryOptions into cache key parts.
func queryKey(table string, opts QueryOptions) string {
	parts := make([]string, 0, len(opts.Filters)+4)
	for col, val := range opts.Filters {
		parts = append(parts, fmt.Sprintf("f.%s=%v", col, val))
	}
	if !opts.CreatedAfter.IsZero() {
		parts = append(parts, "after="+opts.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if opts.OrderBy != "" {
		parts = append(parts, fmt.Sprintf("order=%s,desc=%t", opts.OrderBy, opts.Descending))
	}
	if opts.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", opts.Limit))
	}
	return CacheKey("query", table, parts...)
}

// CachedStore wraps a Store with read-through caching. Writers invalidate
// every cached read for the table before delegating.
type CachedStore struct {
	inner Store
	cache *Cache
}

// NewCachedStore wraps the store.
func NewCachedStore(inner Store, cache *Cache) *CachedStore {
	return &CachedStore{inner: inner, cache: cache}
}

// Cache exposes the underlying cache for inspection and sweeping.
func (s *CachedStore) Cache() *Cache {
	return s.cache
}

func (s *CachedStore) Query(ctx context.Context, table string, opts QueryOptions) ([]Record, error) {
	key := queryKey(table, opts)
	if cached, ok := s.cache.Get(key); ok {
		return cached.([]Record), nil
	}

	records, err := s.inner.Query(ctx, table, opts)
	if err != nil {
		return nil, err
	}

	s.cache.Set(key, records)
	return records, nil
}

func (s *CachedStore) Count(ctx context.Context, table string) (int64, error) {
	key := CacheKey("count", table)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(int64), nil
	}

	count, err := s.inner.Count(ctx, table)
	if err != nil {
		return 0, err
	}

	s.cache.Set(key, count)
	return count, nil
}

func (s *CachedStore) Insert(ctx context.Context, table string, record Record) error {
	s.cache.InvalidateTable(table)
	return s.inner.Insert(ctx, table, record)
}

func (s *CachedStore) Update(ctx context.Context, table string, id any, fields map[string]any) error {
	s.cache.InvalidateTable(table)
	return s.inner.Update(ctx, table, id, fields)
}

func (s *CachedStore) Delete(ctx context.Context, table string, id any) error {
	s.cache.InvalidateTable(table)
	return s.inner.Delete(ctx, table, id)
}

func (s *CachedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *CachedStore) Close() error {
	return s.inner.Close()
}
