package gateway

import (
	"sync"
	"time"
)

// cacheEntry is one cached segment payload. The upstream content type is
// kept alongside the bytes so a cache hit serves the same type a miss
// would (fMP4 segments are not video/mp2t).
type cacheEntry struct {
	data        []byte
	contentType string
	insertedAt  time.Time
}

// CacheStats is a read-only snapshot of cache occupancy for metrics and the
// health endpoint.
type CacheStats struct {
	Size       int64 `json:"size"`
	EntryCount int   `json:"entryCount"`
	MaxSize    int64 `json:"maxSize"`
}

// SegmentCache is a bounded in-memory store of fetched segment bytes keyed
// by ciphertext URL. Staleness is checked lazily on read; eviction under
// size pressure is insertion-order (oldest inserted first), which keeps
// eviction O(1) and suits live segments that rotate constantly anyway.
type SegmentCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	order    []string
	total    int64
	maxBytes int64
	freshFor time.Duration

	now func() time.Time
}

// NewSegmentCache returns a cache bounded to maxBytes of payload, treating
// entries older than freshFor as absent.
func NewSegmentCache(maxBytes int64, freshFor time.Duration) *SegmentCache {
	return &SegmentCache{
		entries:  make(map[string]*cacheEntry),
		maxBytes: maxBytes,
		freshFor: freshFor,
		now:      time.Now,
	}
}

// Get returns the cached bytes and upstream content type for key, or
// ok=false when the key is absent or its entry has gone stale. Stale
// entries are dropped on the spot so their bytes stop counting against
// the ceiling.
func (c *SegmentCache) Get(key string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, "", false
	}
	if c.now().Sub(entry.insertedAt) > c.freshFor {
		c.removeLocked(key)
		return nil, "", false
	}
	return entry.data, entry.contentType, true
}

// Put stores data under key, evicting oldest-inserted entries until the
// running total fits under the ceiling. A payload larger than the whole
// ceiling is not admitted. Overwriting an existing key replaces its bytes
// and moves it to the back of the eviction queue.
func (c *SegmentCache) Put(key string, data []byte, contentType string) {
	if int64(len(data)) > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeLocked(key)
	}

	c.entries[key] = &cacheEntry{data: data, contentType: contentType, insertedAt: c.now()}
	c.order = append(c.order, key)
	c.total += int64(len(data))

	for c.total > c.maxBytes && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}
}

// Stats reports current occupancy.
func (c *SegmentCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: c.total, EntryCount: len(c.entries), MaxSize: c.maxBytes}
}

// removeLocked deletes key and keeps byte accounting exact. Caller holds c.mu.
func (c *SegmentCache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.total -= int64(len(entry.data))

	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
