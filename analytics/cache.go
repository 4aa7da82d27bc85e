package analytics

import (
	"strings"
	"sync"
	"time"
)

// cacheEntry pairs a result with its insertion time.
type cacheEntry struct {
	value      any
	insertedAt time.Time
}

// resultCache is an in-process mapping from request fingerprint to the last
// successful result. Hits newer than the TTL are fresh; older entries survive
// eviction so the client can fall back to them when the upstream is down.
type resultCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	nowFn   func() time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &resultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		nowFn:   time.Now,
	}
}

// get returns the cached value for key. fresh reports whether the entry is
// strictly newer than the TTL.
func (c *resultCache) get(key string) (value any, fresh, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, false
	}
	return entry.value, c.nowFn().Sub(entry.insertedAt) < c.ttl, true
}

func (c *resultCache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, insertedAt: c.nowFn()}
}

// fingerprint builds a stable cache key from the method name and parameters.
func fingerprint(method string, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, method)
	parts = append(parts, params...)
	return strings.Join(parts, "|")
}
