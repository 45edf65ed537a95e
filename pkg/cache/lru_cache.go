package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCache is a capacity-bounded cache with per-item TTL. Capacity eviction
// is delegated to hashicorp/golang-lru/v2 (the same library pkg/fragment's
// SenderCache and pkg/priority's score cache use); golang-lru has no notion
// of per-entry expiry, so TTL is layered on top: checked lazily on Get and
// swept eagerly by Cleanup.
type LRUCache struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *CacheItem]
	capacity int
	ttl      time.Duration
}

// NewLRUCache creates a cache bounded by capacity entries, each expiring
// ttl after being set unless overridden per-entry via SetWithTTL.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	c, _ := lru.New[string, *CacheItem](capacity)
	return &LRUCache{cache: c, capacity: capacity, ttl: ttl}
}

// Get retrieves an item from the cache, evicting it first if its TTL has
// elapsed.
func (lc *LRUCache) Get(key string) (*CacheItem, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	item, ok := lc.cache.Get(key)
	if !ok {
		return nil, false
	}
	if !item.ExpiresAt.IsZero() && time.Now().After(item.ExpiresAt) {
		lc.cache.Remove(key)
		return nil, false
	}
	item.Accessed = time.Now()
	item.Hits++
	return item, true
}

// Set stores an item under the cache's configured default TTL.
func (lc *LRUCache) Set(key string, value *CacheItem) {
	lc.SetWithTTL(key, value, lc.ttl)
}

// SetWithTTL stores an item with a TTL overriding the cache default.
func (lc *LRUCache) SetWithTTL(key string, value *CacheItem, ttl time.Duration) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if ttl > 0 {
		value.ExpiresAt = time.Now().Add(ttl)
	} else {
		value.ExpiresAt = time.Time{}
	}
	lc.cache.Add(key, value)
}

// Delete removes an item from the cache.
func (lc *LRUCache) Delete(key string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.cache.Remove(key)
}

// Clear removes all items from the cache.
func (lc *LRUCache) Clear() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.cache.Purge()
}

// Cleanup evicts every entry whose TTL has elapsed.
func (lc *LRUCache) Cleanup() {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	now := time.Now()
	for _, key := range lc.cache.Keys() {
		item, ok := lc.cache.Peek(key)
		if ok && !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt) {
			lc.cache.Remove(key)
		}
	}
}

// Size returns the current number of items in the cache.
func (lc *LRUCache) Size() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.cache.Len()
}

// Capacity returns the maximum capacity of the cache.
func (lc *LRUCache) Capacity() int {
	return lc.capacity
}

// GetKeys returns all keys currently in the cache.
func (lc *LRUCache) GetKeys() []string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.cache.Keys()
}

// Items returns a snapshot of every non-expired item, used by AdvancedCache
// for cross-level maintenance (e.g. promoting frequently hit L3 entries).
func (lc *LRUCache) Items() []*CacheItem {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	now := time.Now()
	out := make([]*CacheItem, 0, lc.cache.Len())
	for _, key := range lc.cache.Keys() {
		item, ok := lc.cache.Peek(key)
		if !ok {
			continue
		}
		if !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt) {
			continue
		}
		out = append(out, item)
	}
	return out
}
