package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"
)

// MemoryCache implements an in-memory cache. Values are stored as JSON so
// the behaviour matches the Redis backend.
type MemoryCache struct {
	items      map[string]cacheItem
	mu         sync.RWMutex
	maxItems   int
	defaultTTL time.Duration
}

type cacheItem struct {
	data       []byte
	expiration time.Time
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(maxItems int, defaultTTL time.Duration) Cache {
	return &MemoryCache{
		items:      make(map[string]cacheItem),
		maxItems:   maxItems,
		defaultTTL: defaultTTL,
	}
}

// Get retrieves data from the cache
func (c *MemoryCache) Get(ctx context.Context, key string, value any) error {
	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()

	if !exists || time.Now().After(item.expiration) {
		return ErrNotFound
	}

	return json.Unmarshal(item.data, value)
}

// Set stores data in the cache
func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxItems > 0 && len(c.items) >= c.maxItems {
		c.evictOldest()
	}

	c.items[key] = cacheItem{
		data:       data,
		expiration: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes data from the cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
	return nil
}

// DeletePattern removes all keys matching a glob pattern
func (c *MemoryCache) DeletePattern(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.items {
		if ok, err := path.Match(pattern, key); err != nil {
			return err
		} else if ok {
			delete(c.items, key)
		}
	}
	return nil
}

// Exists checks if a key exists in the cache
func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists {
		return false, nil
	}
	return !time.Now().After(item.expiration), nil
}

// Flush clears all data from the cache
func (c *MemoryCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]cacheItem)
	return nil
}

// Close implements Cache.Close
func (c *MemoryCache) Close() error {
	return nil
}

// evictOldest removes the entry closest to expiry. Caller holds the lock.
func (c *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, item := range c.items {
		if oldestKey == "" || item.expiration.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.expiration
		}
	}

	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}
