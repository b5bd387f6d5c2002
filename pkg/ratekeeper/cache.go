package ratekeeper

import (
	"sync"
	"time"
)

// quotaCache is a TTL'd LRU cache of quota records. It keeps hot records
// off the repository during bursts; writes go through the cache so admin
// updates are visible immediately.
type quotaCache struct {
	mu      sync.Mutex
	entries map[string]*quotaCacheEntry
	max     int
	ttl     time.Duration
	clock   Clock

	// seq breaks LRU ties between entries touched at the same instant,
	// which fake clocks in tests produce constantly.
	seq int64

	hits, misses, evictions int64
}

type quotaCacheEntry struct {
	quota    *UserQuota
	expires  time.Time
	accessed time.Time
	seq      int64
}

func newQuotaCache(max int, ttl time.Duration, clock Clock) *quotaCache {
	if max <= 0 {
		max = 10000
	}
	return &quotaCache{
		entries: make(map[string]*quotaCacheEntry),
		max:     max,
		ttl:     ttl,
		clock:   clock,
	}
}

// get returns a copy of the cached record, so callers can mutate the
// result without corrupting the cache.
func (c *quotaCache) get(userID string) (*UserQuota, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[userID]
	now := c.clock.Now()
	if !ok || now.After(entry.expires) {
		c.misses++
		return nil, false
	}
	entry.accessed = now
	c.hits++
	return entry.quota.Clone(), true
}

func (c *quotaCache) set(quota *UserQuota) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, ok := c.entries[quota.UserID]; !ok && len(c.entries) >= c.max {
		c.evictOldest()
	}
	c.seq++
	c.entries[quota.UserID] = &quotaCacheEntry{
		quota:    quota.Clone(),
		expires:  now.Add(c.ttl),
		accessed: now,
		seq:      c.seq,
	}
}

func (c *quotaCache) invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// evictOldest removes the least recently used entry. Caller holds the lock.
func (c *quotaCache) evictOldest() {
	var oldestKey string
	var oldest *quotaCacheEntry
	for key, entry := range c.entries {
		if oldest == nil || entry.accessed.Before(oldest.accessed) ||
			(entry.accessed.Equal(oldest.accessed) && entry.seq < oldest.seq) {
			oldestKey = key
			oldest = entry
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}
