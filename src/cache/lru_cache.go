// Package cache provides the small LRU used to memoize query embeddings.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Vectors is a thread-safe LRU cache mapping text keys to embedding vectors,
// with per-entry TTL. Retrieval embeds the same query text repeatedly across
// turns; caching the vector saves the provider round trip.
type Vectors struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	lru      *list.List
}

type vecEntry struct {
	key       string
	vector    []float32
	expiresAt time.Time
}

// NewVectors creates a vector cache holding up to capacity entries, each
// valid for ttl. A non-positive ttl means entries never expire.
func NewVectors(capacity int, ttl time.Duration) *Vectors {
	if capacity <= 0 {
		capacity = 256
	}
	return &Vectors{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element, capacity),
		lru:      list.New(),
	}
}

// Get returns the cached vector for key, expiring stale entries on the way.
func (c *Vectors) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*vecEntry)
	if !ent.expiresAt.IsZero() && time.Now().After(ent.expiresAt) {
		c.lru.Remove(elem)
		delete(c.items, key)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return ent.vector, true
}

// Set stores a vector under key, evicting the least recently used entry once
// the cache is full.
func (c *Vectors) Set(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		ent := elem.Value.(*vecEntry)
		ent.vector = vector
		ent.expiresAt = expiresAt
		return
	}
	elem := c.lru.PushFront(&vecEntry{key: key, vector: vector, expiresAt: expiresAt})
	c.items[key] = elem
	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.items, oldest.Value.(*vecEntry).key)
		}
	}
}

// Len returns the number of cached entries.
func (c *Vectors) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear drops every entry.
func (c *Vectors) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.capacity)
	c.lru.Init()
}

// HashKey derives a fixed-size cache key from arbitrary text.
func HashKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
