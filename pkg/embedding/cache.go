package embedding

import (
	"sort"
	"sync"
	"time"
)

type cacheEntry struct {
	vector    []float32
	expiresAt time.Time
}

// vectorCache is a count-bounded in-memory cache with per-entry TTL. When the
// cache fills, roughly the oldest tenth of entries by expiry is evicted.
type vectorCache struct {
	mu      sync.RWMutex
	entries map[uint64]cacheEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

func newVectorCache(maxSize int, ttl time.Duration) *vectorCache {
	if maxSize <= 0 {
		maxSize = 2000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &vectorCache{
		entries: make(map[uint64]cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *vectorCache) get(key uint64) ([]float32, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.vector, true
}

func (c *vectorCache) put(key uint64, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{vector: vector, expiresAt: c.now().Add(c.ttl)}
}

// evictOldestLocked removes expired entries, then the oldest ~10% by expiry.
func (c *vectorCache) evictOldestLocked() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}

	target := c.maxSize / 10
	if target < 1 {
		target = 1
	}
	if len(c.entries) < c.maxSize {
		return
	}

	type aged struct {
		key       uint64
		expiresAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, expiresAt: e.expiresAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].expiresAt.Before(all[j].expiresAt) })
	for i := 0; i < target && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}

func (c *vectorCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
