package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCacheOptions configures the in-process cache.
type MemoryCacheOptions struct {
	// MaxEntries bounds the cache size. Zero means unbounded.
	MaxEntries int
	// Now overrides the clock (for testing).
	Now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	touched   uint64
}

// MemoryCache is an in-process Cache with lazy expiry and oldest-first eviction.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
	clock      uint64
}

// NewMemoryCache creates a new in-process cache.
func NewMemoryCache(opts MemoryCacheOptions) *MemoryCache {
	maxEntries := opts.MaxEntries
	if maxEntries < 0 {
		maxEntries = 0
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        now,
	}
}

// Get returns a copy of the stored value.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.expired(entry, c.now()) {
		delete(c.entries, key)
		return nil, false, nil
	}
	c.clock++
	entry.touched = c.clock
	c.entries[key] = entry
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores a copy of value.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	c.clock++
	c.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: expiresAt,
		touched:   c.clock,
	}
	c.prune(now)
	return nil
}

// Delete removes keys.
func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes all entries.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
}

func (c *MemoryCache) expired(entry memoryEntry, now time.Time) bool {
	return !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt)
}

// prune removes expired entries, then the least recently touched ones until
// the size bound holds.
func (c *MemoryCache) prune(now time.Time) {
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, key)
		}
	}
	if c.maxEntries <= 0 {
		return
	}
	for len(c.entries) > c.maxEntries {
		var (
			oldestKey string
			oldest    uint64 = ^uint64(0)
		)
		for k, entry := range c.entries {
			if entry.touched < oldest {
				oldest = entry.touched
				oldestKey = k
			}
		}
		delete(c.entries, oldestKey)
	}
}
