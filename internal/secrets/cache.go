package secrets

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	value     Resolved
	fetchedAt time.Time
}

// Cache fronts cacheable providers with a TTL'd store. Concurrent
// misses for the same key collapse into one fetch via singleflight.
type Cache struct {
	// TTL is how long an entry stays fresh. Zero disables caching.
	TTL time.Duration

	// Now is the clock, overridable in tests.
	Now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		TTL:     ttl,
		Now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Fetch resolves location through provider, consulting the cache when
// the provider is cacheable. An entry older than the TTL is treated as
// absent.
func (c *Cache) Fetch(ctx context.Context, provider Provider, location string) (Resolved, error) {
	key := provider.CacheKey(location)
	if key == "" || c == nil || c.TTL <= 0 {
		return provider.Fetch(ctx, location)
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.Now().Sub(entry.fetchedAt) < c.TTL {
		return entry.value, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		resolved, err := provider.Fetch(ctx, location)
		if err != nil {
			return Resolved{}, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{value: resolved, fetchedAt: c.Now()}
		c.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		return Resolved{}, err
	}
	return v.(Resolved), nil
}

// Store updates a cached entry in place, used when a parse is computed
// lazily after the fetch.
func (c *Cache) Store(provider Provider, location string, value Resolved) {
	key := provider.CacheKey(location)
	if key == "" || c == nil || c.TTL <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, fetchedAt: c.Now()}
	c.mu.Unlock()
}

// Purge drops every entry, forcing fresh fetches on the next attempt.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
