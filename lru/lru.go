// Package lru adds idle expiry and replacement callbacks to a bounded
// least-recently-used map.
//
// A Cache is not safe for concurrent use; owners guard it with their own mutex.
package lru

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Options configures a Cache.
type Options[K comparable, V any] struct {
	// Capacity is the maximum number of entries. Must be positive.
	Capacity int

	// MaxIdle evicts entries not looked up or inserted within this duration.
	// Zero disables idle expiry.
	MaxIdle time.Duration

	// OnEvict is called for every value removed or replaced.
	OnEvict func(key K, value V)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// slot is what the underlying list stores. Recency order and lastUsed order
// agree because every touch updates both.
type slot[V any] struct {
	value    V
	lastUsed time.Time
}

// Cache is a bounded LRU map.
type Cache[K comparable, V any] struct {
	capacity int
	maxIdle  time.Duration
	onEvict  func(K, V)
	now      func() time.Time

	lru *simplelru.LRU[K, *slot[V]]
}

// New creates a cache. A non-positive capacity is treated as 1.
func New[K comparable, V any](opts Options[K, V]) *Cache[K, V] {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache[K, V]{
		capacity: opts.Capacity,
		maxIdle:  opts.MaxIdle,
		onEvict:  opts.OnEvict,
		now:      opts.Now,
	}

	var evict simplelru.EvictCallback[K, *slot[V]]
	if c.onEvict != nil {
		evict = func(key K, s *slot[V]) { c.onEvict(key, s.value) }
	}
	// size is positive, the only failure NewLRU reports
	c.lru, _ = simplelru.NewLRU(opts.Capacity, evict)
	return c
}

func (c *Cache[K, V]) idle(s *slot[V], now time.Time) bool {
	return c.maxIdle > 0 && now.Sub(s.lastUsed) > c.maxIdle
}

// Lookup returns the value for key and marks it most recently used.
// An idle-expired entry is removed and reported as missing.
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	var zero V
	s, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	now := c.now()
	if c.idle(s, now) {
		c.lru.Remove(key)
		return zero, false
	}
	s.lastUsed = now
	return s.value, true
}

// Contains reports whether key is present without touching its recency.
func (c *Cache[K, V]) Contains(key K) bool {
	s, ok := c.lru.Peek(key)
	return ok && !c.idle(s, c.now())
}

// Insert stores value under key, replacing any existing value, and evicts the
// least recently used entry beyond capacity.
func (c *Cache[K, V]) Insert(key K, value V) {
	now := c.now()
	if s, ok := c.lru.Get(key); ok {
		old := s.value
		s.value = value
		s.lastUsed = now
		if c.onEvict != nil {
			c.onEvict(key, old)
		}
		return
	}
	c.lru.Add(key, &slot[V]{value: value, lastUsed: now})
}

// Remove deletes key and reports whether it was present.
func (c *Cache[K, V]) Remove(key K) bool {
	return c.lru.Remove(key)
}

// RemoveExpired drops every idle-expired entry and returns how many were removed.
func (c *Cache[K, V]) RemoveExpired() int {
	if c.maxIdle <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for {
		_, s, ok := c.lru.GetOldest()
		if !ok || !c.idle(s, now) {
			return removed
		}
		c.lru.RemoveOldest()
		removed++
	}
}

// RemoveAll drops every entry.
func (c *Cache[K, V]) RemoveAll() {
	c.lru.Purge()
}

// Len returns the number of entries, including any not yet expired out.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// Capacity returns the configured capacity.
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}
