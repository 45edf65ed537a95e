// Package cache implements the node's multi-level (L1/L2/L3) lookup cache,
// used to memoize repeated reads against the UTXO set and block store
// without re-walking them on every wallet/balance/sync query.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// CacheLevel represents different levels of caching
type CacheLevel int

const (
	LevelL1 CacheLevel = iota // Fastest, in-memory, uncompressed
	LevelL2                   // Medium, gzip-compressed for []byte values
	LevelL3                   // Slowest, longest-lived
)

// CacheConfig holds configuration for the advanced cache system
type CacheConfig struct {
	L1Size         int           // L1 cache size (number of items)
	L2Size         int           // L2 cache size (number of items)
	L3Size         int           // L3 cache size (number of items)
	L1TTL          time.Duration // L1 cache TTL
	L2TTL          time.Duration // L2 cache TTL
	L3TTL          time.Duration // L3 cache TTL
	Compression    bool          // Enable gzip compression for []byte values stored at L2
	Parallelism    int           // Not read: the cache always runs a single maintenance worker
	PromoteOnHits  int64         // Hits threshold before an L3 item is promoted to L2
}

// DefaultCacheConfig returns sensible defaults for the cache system
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		L1Size:        10_000,
		L2Size:        100_000,
		L3Size:        1_000_000,
		L1TTL:         5 * time.Minute,
		L2TTL:         30 * time.Minute,
		L3TTL:         24 * time.Hour,
		Compression:   true,
		Parallelism:   4,
		PromoteOnHits: 3,
	}
}

// CacheItem represents a cached item with metadata
type CacheItem struct {
	Key        string
	Value      interface{}
	Level      CacheLevel
	Created    time.Time
	Accessed   time.Time
	ExpiresAt  time.Time
	Hits       int64
	Size       int64
	Compressed bool
	raw        []byte // gzip-compressed bytes when Compressed is true
}

// AdvancedCache is a multi-level, LRU-backed caching system with real gzip
// compression at L2, per-level TTL, and hit-driven promotion from L3 to L2.
type AdvancedCache struct {
	config  *CacheConfig
	l1Cache *LRUCache
	l2Cache *LRUCache
	l3Cache *LRUCache
	stats   *CacheStats
	ctx     context.Context
	cancel  context.CancelFunc
}

// CacheStats tracks cache performance metrics
type CacheStats struct {
	Hits           int64
	Misses         int64
	Evictions      int64
	Compressions   int64
	Decompressions int64
	L1Hits         int64
	L2Hits         int64
	L3Hits         int64
	mu             sync.RWMutex
}

// NewAdvancedCache creates a new advanced cache instance and starts its
// background maintenance worker.
func NewAdvancedCache(config *CacheConfig) *AdvancedCache {
	if config == nil {
		config = DefaultCacheConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ac := &AdvancedCache{
		config: config,
		stats:  &CacheStats{},
		ctx:    ctx,
		cancel: cancel,
	}
	ac.l1Cache = NewLRUCache(config.L1Size, config.L1TTL)
	ac.l2Cache = NewLRUCache(config.L2Size, config.L2TTL)
	ac.l3Cache = NewLRUCache(config.L3Size, config.L3TTL)

	go ac.maintenanceLoop()
	return ac
}

// Get retrieves an item from the cache, checking L1 then L2 then L3 and
// promoting hits from lower levels on the way out.
func (ac *AdvancedCache) Get(key string) (interface{}, bool) {
	if item, found := ac.l1Cache.Get(key); found {
		ac.recordHit(&ac.stats.L1Hits)
		return item.Value, true
	}
	if item, found := ac.l2Cache.Get(key); found {
		ac.recordHit(&ac.stats.L2Hits)
		ac.promoteToL1(key, item)
		return ac.valueOf(item), true
	}
	if item, found := ac.l3Cache.Get(key); found {
		ac.recordHit(&ac.stats.L3Hits)
		if item.Hits >= ac.config.PromoteOnHits {
			ac.promoteToL2(key, item)
		}
		return item.Value, true
	}

	ac.stats.mu.Lock()
	ac.stats.Misses++
	ac.stats.mu.Unlock()
	return nil, false
}

func (ac *AdvancedCache) recordHit(counter *int64) {
	ac.stats.mu.Lock()
	ac.stats.Hits++
	*counter++
	ac.stats.mu.Unlock()
}

// Set stores an item at the given level, compressing it if level is LevelL2
// and the value is a []byte.
func (ac *AdvancedCache) Set(key string, value interface{}, level CacheLevel) {
	item := &CacheItem{
		Key:      key,
		Value:    value,
		Level:    level,
		Created:  time.Now(),
		Accessed: time.Now(),
		Size:     ac.calculateSize(value),
	}

	switch level {
	case LevelL1:
		ac.l1Cache.Set(key, item)
	case LevelL2:
		if ac.config.Compression {
			ac.compressItem(item)
		}
		ac.l2Cache.Set(key, item)
	case LevelL3:
		ac.l3Cache.Set(key, item)
	}
}

// SetWithTTL stores an item in L1 with a custom TTL.
func (ac *AdvancedCache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	item := &CacheItem{
		Key:      key,
		Value:    value,
		Level:    LevelL1,
		Created:  time.Now(),
		Accessed: time.Now(),
		Size:     ac.calculateSize(value),
	}
	ac.l1Cache.SetWithTTL(key, item, ttl)
}

// Delete removes an item from all cache levels
func (ac *AdvancedCache) Delete(key string) {
	ac.l1Cache.Delete(key)
	ac.l2Cache.Delete(key)
	ac.l3Cache.Delete(key)
}

// Clear clears all cache levels
func (ac *AdvancedCache) Clear() {
	ac.l1Cache.Clear()
	ac.l2Cache.Clear()
	ac.l3Cache.Clear()
}

// GetStats returns a snapshot of current cache statistics
func (ac *AdvancedCache) GetStats() *CacheStats {
	ac.stats.mu.RLock()
	defer ac.stats.mu.RUnlock()
	stats := *ac.stats
	return &stats
}

// Close shuts down the cache's maintenance worker and drops all entries.
func (ac *AdvancedCache) Close() {
	ac.cancel()
	ac.Clear()
}

// promoteToL1 decompresses item if needed and copies it into L1.
func (ac *AdvancedCache) promoteToL1(key string, item *CacheItem) {
	value := ac.valueOf(item)
	l1Item := &CacheItem{Key: key, Value: value, Level: LevelL1, Created: time.Now(), Accessed: time.Now(), Hits: item.Hits, Size: item.Size}
	ac.l1Cache.Set(key, l1Item)
}

// promoteToL2 copies a frequently-hit L3 item into L2, compressing it if
// configured and eligible.
func (ac *AdvancedCache) promoteToL2(key string, item *CacheItem) {
	l2Item := &CacheItem{Key: key, Value: item.Value, Level: LevelL2, Created: time.Now(), Accessed: time.Now(), Hits: item.Hits, Size: item.Size}
	if ac.config.Compression {
		ac.compressItem(l2Item)
	}
	ac.l2Cache.Set(key, l2Item)
}

// compressItem gzip-compresses item.Value when it is a []byte, storing the
// compressed form in item.raw and dropping the uncompressed Value to free
// it for GC. Values of other types are left uncompressed — there is no
// generic byte representation to gzip without forcing a serialization
// format on every caller, so they're simply cached as-is.
func (ac *AdvancedCache) compressItem(item *CacheItem) {
	raw, ok := item.Value.([]byte)
	if !ok {
		return
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		gw.Close()
		return
	}
	if err := gw.Close(); err != nil {
		return
	}
	item.raw = buf.Bytes()
	item.Value = nil
	item.Compressed = true
	ac.stats.mu.Lock()
	ac.stats.Compressions++
	ac.stats.mu.Unlock()
}

// valueOf returns item.Value, gunzip-ing item.raw first if it was
// compressed by compressItem.
func (ac *AdvancedCache) valueOf(item *CacheItem) interface{} {
	if !item.Compressed {
		return item.Value
	}
	gr, err := gzip.NewReader(bytes.NewReader(item.raw))
	if err != nil {
		return nil
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil
	}
	ac.stats.mu.Lock()
	ac.stats.Decompressions++
	ac.stats.mu.Unlock()
	return raw
}

// calculateSize estimates the size of a value in bytes for cache accounting.
func (ac *AdvancedCache) calculateSize(value interface{}) int64 {
	switch v := value.(type) {
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	default:
		return 128
	}
}

// maintenanceLoop periodically sweeps expired entries and rebalances
// cache levels until Close cancels ac.ctx.
func (ac *AdvancedCache) maintenanceLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ac.ctx.Done():
			return
		case <-ticker.C:
			ac.performMaintenance()
		}
	}
}

func (ac *AdvancedCache) performMaintenance() {
	ac.l1Cache.Cleanup()
	ac.l2Cache.Cleanup()
	ac.l3Cache.Cleanup()
	ac.balanceCacheLevels()
}

// balanceCacheLevels promotes L3 items that have accumulated at least
// config.PromoteOnHits hits since they were stored up into L2, so
// repeatedly-read cold entries don't stay behind the slowest lookup tier.
func (ac *AdvancedCache) balanceCacheLevels() {
	for _, item := range ac.l3Cache.Items() {
		if item.Hits >= ac.config.PromoteOnHits {
			ac.promoteToL2(item.Key, item)
			ac.l3Cache.Delete(item.Key)
		}
	}
}

// generateCacheKey joins multiple key components into a single cache key
// via FNV-1a, used where a lookup is keyed by more than one field.
func generateCacheKey(components ...string) string {
	h := fnv.New64a()
	for _, c := range components {
		h.Write([]byte(c))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
