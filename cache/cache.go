package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is an in-memory LRU cache with per-entry TTL shared by the token
// verifier, the rule matcher and the rate limiter. It is a pass-through
// accelerator, never a source of truth: callers always fall back to the
// backing collaborator on miss.
//
// Entries stored with SetPermanent never expire and are never evicted by the
// LRU policy. This is the entry class used for token revocations, where an
// early expiry would let a revoked token back in during the cache window.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lruList *list.List // permanent entries are not tracked here
	maxSize int
	hits    uint64
	misses  uint64
}

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time // zero means never
	permanent bool
	element   *list.Element // nil for permanent entries
}

func (e *entry) expired(now time.Time) bool {
	return !e.permanent && now.After(e.expiresAt)
}

// New creates a Cache with the given maximum number of evictable entries.
func New(maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves a value. The second return is false on miss or expiry.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		c.misses++
		if ok {
			c.remove(key)
		}
		return nil, false
	}

	if e.element != nil {
		c.lruList.MoveToFront(e.element)
	}
	c.hits++
	return e.value, true
}

// Set stores a value with the given TTL.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok {
		// A permanent entry is never downgraded to an expiring one.
		if e.permanent {
			return
		}
		e.value = value
		e.expiresAt = now.Add(ttl)
		c.lruList.MoveToFront(e.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	e := &entry{
		key:       key,
		value:     value,
		expiresAt: now.Add(ttl),
	}
	e.element = c.lruList.PushFront(key)
	c.entries[key] = e
}

// SetPermanent stores a value that never expires and is never evicted.
func (c *Cache) SetPermanent(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.element != nil {
			c.lruList.Remove(e.element)
		}
		e.value = value
		e.permanent = true
		e.element = nil
		e.expiresAt = time.Time{}
		return
	}

	c.entries[key] = &entry{
		key:       key,
		value:     value,
		permanent: true,
	}
}

// Invalidate removes a specific entry, permanent or not.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key)
}

// InvalidatePrefix removes all entries whose key starts with the prefix.
// Used for targeted invalidation after rule changes.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.remove(key)
			removed++
		}
	}
	return removed
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: c.hitRate(),
	}
}

// Stats represents cache statistics
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func (c *Cache) hitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// CleanupExpired removes all expired entries and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var expiredKeys []string
	for key, e := range c.entries {
		if e.expired(now) {
			expiredKeys = append(expiredKeys, key)
		}
	}

	for _, key := range expiredKeys {
		c.remove(key)
	}

	return len(expiredKeys)
}

// StartCleanupWorker periodically removes expired entries until stopCh closes.
func (c *Cache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}

// remove deletes an entry (must be called with lock held)
func (c *Cache) remove(key string) {
	if e, ok := c.entries[key]; ok {
		if e.element != nil {
			c.lruList.Remove(e.element)
		}
		delete(c.entries, key)
	}
}

// evictLRU evicts the least recently used evictable entry (lock held)
func (c *Cache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, key)
}
