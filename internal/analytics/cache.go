package analytics

import (
	"sync"
	"time"
)

// ttlCache is a small snapshot cache keyed by (pair, query parameters).
// Entries past their TTL are kept around so reads can degrade to a stale
// snapshot when the store is unavailable.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	value any
	at    time.Time
}

func newTTLCache(ttl time.Duration, now func() time.Time) *ttlCache {
	return &ttlCache{ttl: ttl, entries: make(map[string]cacheEntry), now: now}
}

// fresh returns an entry still within its TTL.
func (c *ttlCache) fresh(key string) (any, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.at) > c.ttl {
		return nil, time.Time{}, false
	}
	return e.value, e.at, true
}

// stale returns an entry regardless of age, for degraded reads.
func (c *ttlCache) stale(key string) (any, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.value, e.at, true
}

func (c *ttlCache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, at: c.now()}
}
