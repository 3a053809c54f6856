package model

import (
	"container/list"
	"sync"
)

// Key identifies a cached model version.
type Key struct {
	Name    string
	Version int
}

type cacheEntry[V any] struct {
	key   Key
	value V
}

// Cache is a bounded LRU keyed by model name and version. Loaded scorers are
// immutable so a single cached value can be shared across goroutines.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[Key]*list.Element
}

// NewCache builds an LRU holding at most capacity entries. Capacity below one
// is raised to one.
func NewCache[V any](capacity int) *Cache[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[Key]*list.Element),
	}
}

// Get returns the cached value for key and marks it most recently used.
func (c *Cache[V]) Get(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry[V]).value, true
	}
	var zero V
	return zero, false
}

// GetOrLoad returns the cached value for key, invoking load on a miss. The
// loader runs outside the lock so a slow artifact fetch does not block other
// keys; concurrent misses on the same key may each invoke load, and the first
// insert wins. Loader errors are returned and never cached.
func (c *Cache[V]) GetOrLoad(key Key, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err := load()
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry[V]).value, nil
	}
	el := c.order.PushFront(&cacheEntry[V]{key: key, value: v})
	c.items[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry[V]).key)
	}
	return v, nil
}

// Remove evicts key if present.
func (c *Cache[V]) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len reports the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
