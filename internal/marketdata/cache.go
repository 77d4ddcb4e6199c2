package marketdata

import (
	"sync"
	"time"
)

// ttlCache is an in-process cache with per-entry TTL, LRU eviction at
// capacity and a background sweep for expired entries.
type ttlCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	hits       int64
	misses     int64
	evictions  int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

type cacheEntry struct {
	value    any
	expires  time.Time
	accessed time.Time
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRatio  float64 `json:"hit_ratio"`
}

func newTTLCache(maxEntries int) *ttlCache {
	c := &ttlCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *ttlCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		c.misses++
		return nil, false
	}
	entry.accessed = time.Now()
	c.hits++
	return entry.value, true
}

func (c *ttlCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	now := time.Now()
	c.entries[key] = &cacheEntry{
		value:    value,
		expires:  now.Add(ttl),
		accessed: now,
	}
}

func (c *ttlCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}
	return s
}

func (c *ttlCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (c *ttlCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// evictLRU removes the least recently accessed entry. Caller holds mu.
func (c *ttlCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.accessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *ttlCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ttlCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}
