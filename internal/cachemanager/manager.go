// Package cachemanager wraps an in-memory TTL cache behind a typed interface.
// The broker keeps its pending delivery confirmations here.
package cachemanager

import (
	"context"
	"time"
)

type CacheManager[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...K) error
	Flush(ctx context.Context) error
	// DeleteExpired evicts every expired item, firing the eviction callback.
	DeleteExpired(ctx context.Context)
	// ItemCount includes items that have expired but not yet been evicted.
	ItemCount() int
}
