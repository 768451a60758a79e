package store

import (
	"sync"
	"time"
)

// Cache is the fast, non-authoritative tier in front of the durable store.
// Entries expire after a fixed TTL; a missing or expired entry is always a
// miss, never an error, because the durable store remains the fallback of
// record.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	state     []byte
	expiresAt time.Time
}

// NewCache constructs a TTL-bounded in-memory cache.
func NewCache(ttl time.Duration, clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	return &Cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached state bytes for the document, if present and fresh.
func (c *Cache) Get(documentID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[documentID]
	if !ok {
		return nil, false
	}
	if c.clock().After(entry.expiresAt) {
		delete(c.entries, documentID)
		return nil, false
	}
	return append([]byte(nil), entry.state...), true
}

// Set stores a copy of the state bytes with a fresh TTL.
func (c *Cache) Set(documentID string, state []byte) {
	if len(state) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[documentID] = cacheEntry{
		state:     append([]byte(nil), state...),
		expiresAt: c.clock().Add(c.ttl),
	}
}

// Invalidate drops the entry for the document.
func (c *Cache) Invalidate(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, documentID)
}

// Len reports the number of live entries, counting expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
