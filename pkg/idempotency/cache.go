package idempotency

import (
	"strconv"
	"sync"
	"time"
)

// Cache is a bounded, TTL-bound in-process lookup of
// (source_id, idempotency_key) -> lead_id. It is a pure latency
// optimization sitting in front of the race-safe database insert
// (internal/store); it never substitutes for it, and a cache miss or a
// stale/evicted entry must always fall through to the database.
//
// The cache stores a single outcome per key (the winning Lead's
// identity); the database stays the sole source of truth for Lead state.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]cacheEntry
	order   []string // insertion order, for bounded FIFO eviction
}

type cacheEntry struct {
	leadID    int64
	expiresAt time.Time
}

func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 50_000
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]cacheEntry),
	}
}

func compositeKey(sourceID int64, key string) string {
	return strconv.FormatInt(sourceID, 10) + "\x00" + key
}

// Get returns the cached lead id, if present and unexpired.
func (c *Cache) Get(sourceID int64, key string, now time.Time) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := compositeKey(sourceID, key)
	e, ok := c.entries[ck]
	if !ok || now.After(e.expiresAt) {
		return 0, false
	}
	return e.leadID, true
}

// Put records the winning lead id for (sourceID, key).
func (c *Cache) Put(sourceID int64, key string, leadID int64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := compositeKey(sourceID, key)
	if _, exists := c.entries[ck]; !exists {
		if len(c.order) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, ck)
	}
	c.entries[ck] = cacheEntry{leadID: leadID, expiresAt: now.Add(c.ttl)}
}

