// Package boundedcache is a fixed-capacity key/value store with least-recently-used
// eviction. Entries never expire by time.
package boundedcache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	lru      *lru.Cache[K, V]
	capacity int
}

// New returns a cache holding at most capacity entries. onEvict, if non-nil, is called
// outside the cache lock for every entry dropped to make room or removed explicitly.
func New[K comparable, V any](capacity int, onEvict func(K, V)) (*Cache[K, V], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("bounded cache capacity must be >= 1, got %d", capacity)
	}
	var (
		c   *lru.Cache[K, V]
		err error
	)
	if onEvict != nil {
		c, err = lru.NewWithEvict(capacity, onEvict)
	} else {
		c, err = lru.New[K, V](capacity)
	}
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{lru: c, capacity: capacity}, nil
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) { return c.lru.Get(key) }

// Peek returns the value for key without touching its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) { return c.lru.Peek(key) }

// Put inserts or overwrites key and marks it most recently used. It reports whether an
// older entry was evicted to make room.
func (c *Cache[K, V]) Put(key K, value V) bool { return c.lru.Add(key, value) }

// Remove deletes key and reports whether it was present.
func (c *Cache[K, V]) Remove(key K) bool { return c.lru.Remove(key) }

func (c *Cache[K, V]) Len() int { return c.lru.Len() }

func (c *Cache[K, V]) Cap() int { return c.capacity }

// Keys returns keys from least to most recently used.
func (c *Cache[K, V]) Keys() []K { return c.lru.Keys() }
