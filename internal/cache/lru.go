// Package cache provides a small generic LRU with per-entry expiry. The
// balance reader uses it as the process-local snapshot cache when no redis
// is configured.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU evicts by recency once capacity is reached and treats entries older
// than the TTL as absent. Safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	index    map[K]*list.Element
	recency  *list.List // front = most recently used
	now      func() time.Time

	hits   int64
	misses int64
}

type node[K comparable, V any] struct {
	key     K
	value   V
	expires time.Time
}

func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	return &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		index:    make(map[K]*list.Element, capacity),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Get returns the live value for key. An expired entry is dropped on the
// spot and reported as a miss.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.index[key]
	if !ok {
		c.misses++
		return zero, false
	}
	n := elem.Value.(*node[K, V])
	if c.now().After(n.expires) {
		c.unlink(elem)
		c.misses++
		return zero, false
	}

	c.recency.MoveToFront(elem)
	c.hits++
	return n.value, true
}

// Put stores value under key, refreshing the TTL. At capacity, the least
// recently used entry makes room.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		n := elem.Value.(*node[K, V])
		n.value = value
		n.expires = c.now().Add(c.ttl)
		c.recency.MoveToFront(elem)
		return
	}

	if c.recency.Len() >= c.capacity {
		if oldest := c.recency.Back(); oldest != nil {
			c.unlink(oldest)
		}
	}
	c.index[key] = c.recency.PushFront(&node[K, V]{
		key:     key,
		value:   value,
		expires: c.now().Add(c.ttl),
	})
}

// Len counts stored entries, expired-but-not-yet-dropped ones included.
func (c *LRU[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recency.Len()
}

// Stats reports lifetime hit and miss counts.
func (c *LRU[K, V]) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) unlink(elem *list.Element) {
	c.recency.Remove(elem)
	delete(c.index, elem.Value.(*node[K, V]).key)
}
