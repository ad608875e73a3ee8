// ABOUTME: Thread-safe TTL cache that collapses concurrent lookups for one key
// ABOUTME: Health checks use it so probes inside the TTL window share a single answer

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores a value with the time it was stored and its list element.
type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// inflight is a lookup in progress that other callers wait on.
type inflight[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Cache provides a thread-safe, TTL-based, size-limited cache. Do runs the
// loader at most once per key at a time; callers arriving while it runs
// receive its result.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys in insertion order (oldest at front)
	pending map[string]*inflight[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache with the given TTL and maximum size. A nil now uses
// time.Now.
func New[V any](ttl time.Duration, maxSize int, now func() time.Time) *Cache[V] {
	if now == nil {
		now = time.Now
	}
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		pending: make(map[string]*inflight[V]),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.timestamp) >= c.ttl {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key. If the cache is at capacity, the oldest
// entry is evicted to make room.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// setLocked must be called with mu held.
func (c *Cache[V]) setLocked(key string, value V) {
	now := c.now()

	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry[V]{
		value:     value,
		timestamp: now,
		element:   elem,
	}
}

// Delete drops key so the next Do reloads it.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Do returns the cached value for key, or runs load and caches its result.
// Concurrent callers for the same key share one load. Errors are returned
// to every waiter but not cached. cached reports whether load was skipped.
func (c *Cache[V]) Do(key string, load func() (V, error)) (value V, cached bool, err error) {
	c.mu.Lock()
	if v, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return v, true, nil
	}
	if call, ok := c.pending[key]; ok {
		c.mu.Unlock()
		<-call.done
		return call.value, true, call.err
	}
	call := &inflight[V]{done: make(chan struct{})}
	c.pending[key] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		if call.err == nil {
			c.setLocked(key, call.value)
		}
		c.mu.Unlock()
		close(call.done)
	}()

	call.value, call.err = load()
	return call.value, false, call.err
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// Prune removes all expired entries and returns how many were dropped.
func (c *Cache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
