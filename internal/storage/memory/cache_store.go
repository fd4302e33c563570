// Package memory provides the in-process local cache tier.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pulsewire/content-engine/internal/engine"
)

// CacheStore is the volatile local tier. All operations are in-memory and
// never suspend, so it is safe on the hot resolve path. It is empty on cold
// start; the shared tier back-fills it through reads.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[string]engine.CacheEntry
}

// NewCacheStore constructs an empty CacheStore.
func NewCacheStore() *CacheStore {
	return &CacheStore{entries: make(map[string]engine.CacheEntry)}
}

// Get returns the stored entry for key, expired or not.
func (s *CacheStore) Get(_ context.Context, key string) (engine.CacheEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return engine.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Put upserts the entry by key.
func (s *CacheStore) Put(_ context.Context, entry engine.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Tier = engine.TierLocal
	s.entries[entry.Key] = entry
	return nil
}

// Invalidate removes every entry whose key contains pattern.
func (s *CacheStore) Invalidate(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if strings.Contains(key, pattern) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Evict removes entries older than ttl * graceMultiplier. Entries between
// TTL and the grace boundary survive as degraded fallbacks.
func (s *CacheStore) Evict(_ context.Context, now time.Time, graceMultiplier float64) (int, error) {
	if graceMultiplier < 1 {
		graceMultiplier = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		grace := time.Duration(float64(entry.TTL) * graceMultiplier)
		if now.Sub(entry.CreatedAt) > grace {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many entries are held (for tests and stats).
func (s *CacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op for the in-memory tier.
func (s *CacheStore) Close() error {
	return nil
}
