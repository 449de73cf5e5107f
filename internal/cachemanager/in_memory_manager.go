package cachemanager

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/MOMOJMOGG/report-agent/internal/log"
)

const DefaultExpiration = 5 * time.Minute

// NoCleanup disables the background janitor so the owner drives eviction
// through DeleteExpired.
const NoCleanup time.Duration = 0

// EvictFunc is called with the key and value of every evicted item, whether
// it expired or was deleted.
type EvictFunc[K ~string, V any] func(key K, value V)

// NewInMemoryCacheManager initializes the in-memory cache. A cleanupInterval
// of NoCleanup leaves eviction to DeleteExpired.
func NewInMemoryCacheManager[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[K, V] {
	return &InMemoryCacheManager[K, V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// InMemoryCacheManager is the concrete implementation of the CacheManager interface
type InMemoryCacheManager[K ~string, V any] struct {
	useCase string
	cache   *gocache.Cache
}

// OnEvicted registers fn for evictions. Values of the wrong type are skipped.
func (c *InMemoryCacheManager[K, V]) OnEvicted(fn EvictFunc[K, V]) {
	c.cache.OnEvicted(func(key string, value any) {
		v, ok := value.(V)
		if !ok {
			log.Error(log.CatCache, "wrong type assertion on eviction", "cache", c.useCase, "key", key)
			return
		}
		fn(K(key), v)
	})
}

// Get retrieves an item from the cache by its key
func (c *InMemoryCacheManager[K, V]) Get(ctx context.Context, key K) (V, bool) {
	var zeroValue V

	value, found := c.cache.Get(string(key))
	if !found {
		return zeroValue, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "cache", c.useCase, "key", key)
		return zeroValue, false
	}

	return v, true
}

// Set sets a value in the cache with a key and TTL
func (c *InMemoryCacheManager[K, V]) Set(ctx context.Context, key K, value V, ttl time.Duration) {
	c.cache.Set(string(key), value, ttl)
}

// Delete removes values from the cache by key
func (c *InMemoryCacheManager[K, V]) Delete(ctx context.Context, keys ...K) error {
	for _, key := range keys {
		c.cache.Delete(string(key))
	}
	return nil
}

// Flush drops every item without firing eviction callbacks.
func (c *InMemoryCacheManager[K, V]) Flush(ctx context.Context) error {
	c.cache.Flush()
	return nil
}

func (c *InMemoryCacheManager[K, V]) DeleteExpired(ctx context.Context) {
	before := c.cache.ItemCount()
	c.cache.DeleteExpired()
	if evicted := before - c.cache.ItemCount(); evicted > 0 {
		log.Debug(log.CatCache, "evicted expired items", "cache", c.useCase, "count", evicted)
	}
}

func (c *InMemoryCacheManager[K, V]) ItemCount() int {
	return c.cache.ItemCount()
}
