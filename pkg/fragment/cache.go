package fragment

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCacheAge bounds how long a cached outgoing fragment is
	// retained for retransmission, per spec §4.4/§5.
	DefaultCacheAge = 5 * time.Minute
	// DefaultCacheSessions bounds the number of distinct message_ids the
	// sender cache retains.
	DefaultCacheSessions = 4096
	// DefaultCacheMemoryBytes is the default memory ceiling before the
	// cache evicts regardless of age or session count.
	DefaultCacheMemoryBytes = 10 * 1024 * 1024
)

type cacheKey struct {
	messageID [MessageIDSize]byte
	sequence  uint16
}

type cacheEntry struct {
	fragment *Fragment
	storedAt time.Time
}

// SenderCache retains recently-sent fragments so a peer's retransmission
// request can be served without re-fragmenting the original payload. It is
// bounded by age, session (message) count, and total memory, whichever is
// hit first — an LRU eviction policy backs the session-count bound.
type SenderCache struct {
	mu          sync.Mutex
	lru         *lru.Cache[[MessageIDSize]byte, map[uint16]*cacheEntry]
	maxAge      time.Duration
	memoryLimit int
	memoryUsed  int
}

// NewSenderCache builds a cache bounded by maxSessions distinct message_ids,
// maxAge per entry, and memoryLimit total payload bytes.
func NewSenderCache(maxSessions int, maxAge time.Duration, memoryLimit int) *SenderCache {
	if maxSessions <= 0 {
		maxSessions = DefaultCacheSessions
	}
	if maxAge <= 0 {
		maxAge = DefaultCacheAge
	}
	if memoryLimit <= 0 {
		memoryLimit = DefaultCacheMemoryBytes
	}
	c := &SenderCache{maxAge: maxAge, memoryLimit: memoryLimit}
	l, _ := lru.NewWithEvict(maxSessions, c.onEvict)
	c.lru = l
	return c
}

func (c *SenderCache) onEvict(_ [MessageIDSize]byte, entries map[uint16]*cacheEntry) {
	for _, e := range entries {
		c.memoryUsed -= len(e.fragment.Payload)
	}
}

// Store retains every fragment of a freshly-sent message.
func (c *SenderCache) Store(fragments []*Fragment) {
	if len(fragments) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	msgID := fragments[0].Header.MessageID
	entries := make(map[uint16]*cacheEntry, len(fragments))
	for _, f := range fragments {
		entries[f.Header.SequenceNumber] = &cacheEntry{fragment: f, storedAt: now}
		c.memoryUsed += len(f.Payload)
	}
	c.lru.Add(msgID, entries)
	c.evictOverMemory()
}

// Get returns a previously cached fragment for retransmission, or false if
// absent or aged out.
func (c *SenderCache) Get(messageID [MessageIDSize]byte, seq uint16) (*Fragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.lru.Get(messageID)
	if !ok {
		return nil, false
	}
	e, ok := entries[seq]
	if !ok {
		return nil, false
	}
	if time.Since(e.storedAt) > c.maxAge {
		return nil, false
	}
	return e.fragment, true
}

// Purge drops every entry older than the cache's configured max age.
func (c *SenderCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, msgID := range c.lru.Keys() {
		entries, ok := c.lru.Peek(msgID)
		if !ok {
			continue
		}
		stale := true
		for _, e := range entries {
			if now.Sub(e.storedAt) <= c.maxAge {
				stale = false
				break
			}
		}
		if stale {
			c.lru.Remove(msgID)
		}
	}
}

func (c *SenderCache) evictOverMemory() {
	for c.memoryUsed > c.memoryLimit {
		_, _, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
	}
}

// Len reports the number of distinct in-flight message sessions cached.
func (c *SenderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
