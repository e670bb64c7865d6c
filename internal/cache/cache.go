package cache

import (
	"sync"
)

// Cache defines a generic keyed cache.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)
	// Put stores a value in the cache.
	Put(key K, v V)
	// Size returns the number of items in the cache.
	Size() int
}

var _ Cache[string, int] = (*MapCache[string, int])(nil)

// MapCache is a simple in-memory implementation of Cache.
type MapCache[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

func NewMapCache[K comparable, V any]() *MapCache[K, V] {
	return &MapCache[K, V]{
		data: make(map[K]V),
	}
}

func (c *MapCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache[K, V]) Put(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
}

// GetOrCreate returns the cached value for key, calling create and storing
// its result on a miss. hit reports whether the value was already present.
// A create error leaves the cache unchanged.
func (c *MapCache[K, V]) GetOrCreate(key K, create func() (V, error)) (v V, hit bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return v, true, nil
	}
	v, err = create()
	if err != nil {
		return v, false, err
	}
	c.data[key] = v
	return v, false, nil
}

func (c *MapCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Clear drops every entry.
func (c *MapCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.data)
}
