// Package cache provides an in-memory expiring cache used by the resolvers.
package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value      V
	expiration int64 // Unix timestamp in nanoseconds
}

// TTL is an in-memory cache whose entries expire after a per-entry duration
type TTL[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]item[V]
	defaultTTL time.Duration
	now        func() time.Time
	janitor    *time.Ticker
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// New creates a cache whose Set uses defaultTTL
func New[K comparable, V any](defaultTTL time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		items:      make(map[K]item[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// WithClock replaces the time source; intended for tests
func (c *TTL[K, V]) WithClock(now func() time.Time) *TTL[K, V] {
	c.now = now
	return c
}

// StartJanitor removes expired entries every interval until Close
func (c *TTL[K, V]) StartJanitor(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.janitor != nil {
		return
	}

	c.janitor = time.NewTicker(interval)
	c.stopChan = make(chan struct{})
	ticker, stop := c.janitor, c.stopChan

	go func() {
		for {
			select {
			case <-ticker.C:
				c.DeleteExpired()
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}()
}

// Close stops the janitor
func (c *TTL[K, V]) Close() {
	c.mu.RLock()
	stop := c.stopChan
	c.mu.RUnlock()
	if stop != nil {
		c.stopOnce.Do(func() { close(stop) })
	}
}

// Get returns the live value for key
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, found := c.items[key]
	if !found || c.expired(it, c.now().UnixNano()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores value for the default TTL
func (c *TTL[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value for ttl; a non-positive ttl never expires
func (c *TTL[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp int64
	if ttl > 0 {
		exp = c.now().Add(ttl).UnixNano()
	}
	c.items[key] = item[V]{value: value, expiration: exp}
}

// Delete removes key
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of stored entries, including expired ones not yet
// removed
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns the keys of live entries
func (c *TTL[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now().UnixNano()
	keys := make([]K, 0, len(c.items))
	for k, it := range c.items {
		if !c.expired(it, now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Flush removes every entry
func (c *TTL[K, V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]item[V])
}

// DeleteExpired removes expired entries
func (c *TTL[K, V]) DeleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UnixNano()
	removed := 0
	for k, it := range c.items {
		if c.expired(it, now) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

func (c *TTL[K, V]) expired(it item[V], now int64) bool {
	return it.expiration > 0 && now >= it.expiration
}
