package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 16

// MemoryStore is an in-process counter store for single-instance deployments
// and tests. Counters are sharded to keep lock contention off the hot path
// and expire passively on access.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
}

type memoryShard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory counter store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{counters: make(map[string]*counter)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

// Increment atomically increments the window counter
func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	sh.sweep(now)

	c, ok := sh.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &counter{expiresAt: now.Add(ttl)}
		sh.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// Exists reports whether a counter exists for the key
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(c.expiresAt) {
		delete(sh.counters, key)
		return false, nil
	}
	return true, nil
}

// sweep drops expired counters. Called with the shard lock held; the map
// stays small because counters live at most two windows.
func (sh *memoryShard) sweep(now time.Time) {
	if len(sh.counters) < 1024 {
		return
	}
	for k, c := range sh.counters {
		if now.After(c.expiresAt) {
			delete(sh.counters, k)
		}
	}
}
