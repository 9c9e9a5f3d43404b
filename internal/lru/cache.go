// Package lru implements a fixed-capacity, least-recently-used cache that
// evicts in batches when full.
package lru

import (
	"container/list"
	"sync"
)

// Cache is a bounded LRU cache safe for concurrent use.
//
// When a new key is inserted into a full cache, the oldest max(1, cap/10)
// entries are evicted together.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	batch    int
	onEvict  func(K, V)

	ll    *list.List
	items map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithOnEvict registers a callback invoked for every entry leaving the cache
// through eviction, Delete, RemoveFunc or Clear. It runs without the cache lock
// held, so it may call back into the cache.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// New creates a cache holding at most capacity entries. A non-positive
// capacity is treated as 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Cache[K, V]{
		capacity: capacity,
		batch:    max(1, capacity/10),
		ll:       list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key and marks it recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Peek returns the value for key without touching recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Set inserts or replaces the value for key and marks it most recently used.
// It returns the entries evicted to make room, oldest first.
func (c *Cache[K, V]) Set(key K, value V) []K {
	c.mu.Lock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.ll.MoveToFront(el)
		c.mu.Unlock()
		return nil
	}

	var evicted []*entry[K, V]
	if c.ll.Len() >= c.capacity {
		evicted = c.evictLocked(c.batch)
	}
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value})
	c.mu.Unlock()

	return c.notify(evicted)
}

// Add inserts key only if it is absent. It returns the value now stored for key
// and whether the given value was inserted.
func (c *Cache[K, V]) Add(key K, value V) (V, bool) {
	c.mu.Lock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		c.ll.MoveToFront(el)
		c.mu.Unlock()
		return e.value, false
	}

	var evicted []*entry[K, V]
	if c.ll.Len() >= c.capacity {
		evicted = c.evictLocked(c.batch)
	}
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value})
	c.mu.Unlock()

	c.notify(evicted)
	return value, true
}

// Delete removes key. It reports whether the key was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e := c.removeLocked(el)
	c.mu.Unlock()

	c.notify([]*entry[K, V]{e})
	return true
}

// RemoveFunc removes every entry for which fn returns true and returns the
// removed keys. fn is called with the cache lock held and must not call back
// into the cache.
func (c *Cache[K, V]) RemoveFunc(fn func(K, V) bool) []K {
	c.mu.Lock()
	var removed []*entry[K, V]
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry[K, V])
		if fn(e.key, e.value) {
			removed = append(removed, c.removeLocked(el))
		}
		el = prev
	}
	c.mu.Unlock()

	return c.notify(removed)
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	removed := make([]*entry[K, V], 0, c.ll.Len())
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		removed = append(removed, el.Value.(*entry[K, V]))
	}
	c.ll.Init()
	clear(c.items)
	c.mu.Unlock()

	c.notify(removed)
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[K, V]) evictLocked(n int) []*entry[K, V] {
	evicted := make([]*entry[K, V], 0, n)
	for i := 0; i < n; i++ {
		el := c.ll.Back()
		if el == nil {
			break
		}
		evicted = append(evicted, c.removeLocked(el))
	}
	return evicted
}

func (c *Cache[K, V]) removeLocked(el *list.Element) *entry[K, V] {
	e := c.ll.Remove(el).(*entry[K, V])
	delete(c.items, e.key)
	return e
}

func (c *Cache[K, V]) notify(entries []*entry[K, V]) []K {
	if len(entries) == 0 {
		return nil
	}
	keys := make([]K, len(entries))
	for i, e := range entries {
		keys[i] = e.key
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
	return keys
}
