// Package memory provides the local cache backend: an LRU bounded by item
// count where every entry carries an absolute expiration.
package memory

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedmux/feedmux/pkg/cache"
)

// Cache implements cache.Cache in process memory. Gets are constant-time;
// expired entries read as absent and are removed lazily. When the cache is
// full the least-recently-used entry is evicted.
type Cache struct {
	mu sync.Mutex

	entries map[string]*list.Element
	order   *list.List // front = LRU, back = MRU

	maxItems   int
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
}

// Config holds configuration for the local cache.
type Config struct {
	MaxItems   int           // maximum number of items (default: 10000)
	DefaultTTL time.Duration // TTL applied when Set receives ttl <= 0
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxItems:   10000,
		DefaultTTL: 90 * time.Second,
	}
}

// New creates a local cache.
func New(cfg Config) *Cache {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 90 * time.Second
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxItems:   cfg.MaxItems,
		defaultTTL: cfg.DefaultTTL,
	}
}

// Get returns the value for key, or nil when absent or expired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}

	e := elem.Value.(*entry)
	if !e.expireAt.After(time.Now()) {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.misses.Add(1)
		return nil, nil
	}

	c.order.MoveToBack(elem)
	c.hits.Add(1)

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

// Set overwrites key with value, stamping its absolute expiration.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.value = valueCopy
		e.expireAt = time.Now().Add(ttl)
		c.order.MoveToBack(elem)
		c.sets.Add(1)
		return nil
	}

	if len(c.entries) >= c.maxItems {
		c.evictLocked()
	}

	elem := c.order.PushBack(&entry{key: key, value: valueCopy, expireAt: time.Now().Add(ttl)})
	c.entries[key] = elem
	c.sets.Add(1)
	return nil
}

// evictLocked removes one entry, preferring an expired one over the LRU.
func (c *Cache) evictLocked() {
	now := time.Now()
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if !e.expireAt.After(now) {
			c.order.Remove(elem)
			delete(c.entries, e.key)
			return
		}
	}
	if front := c.order.Front(); front != nil {
		e := front.Value.(*entry)
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

// Delete removes a key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
	return nil
}

// Len returns the number of stored items, including not-yet-evicted expired
// ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters.
func (c *Cache) Stats() cache.Stats {
	return cache.Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
	}
}

// Close implements cache.Cache. The local cache holds no external resources.
func (c *Cache) Close() error {
	return nil
}
