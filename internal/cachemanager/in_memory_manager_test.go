package cachemanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pending struct {
	Recipient string
	SentAt    time.Time
}

func TestNewInMemoryCacheManager(t *testing.T) {
	require.NotPanics(t, func() {
		NewInMemoryCacheManager[string, string]("test", DefaultExpiration, NoCleanup)
	})
}

func TestInMemoryCacheManager_SetGet_StructType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, pending]("confirmations", DefaultExpiration, NoCleanup)
	want := pending{Recipient: "rag", SentAt: time.Now()}
	cache.Set(context.Background(), "m-1", want, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "m-1")
	require.True(t, ok)
	require.Equal(t, want, got)
	require.Equal(t, 1, cache.ItemCount())
}

func TestInMemoryCacheManager_GetMissing(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, NoCleanup)

	got, ok := cache.Get(context.Background(), "nope")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetWrongType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("test", DefaultExpiration, NoCleanup)
	cache.cache.Set("food", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "food")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, NoCleanup)
	cache.Set(ctx, "a", 1, DefaultExpiration)
	cache.Set(ctx, "b", 2, DefaultExpiration)
	cache.Set(ctx, "c", 3, DefaultExpiration)

	require.NoError(t, cache.Delete(ctx, "a", "b"))
	require.Equal(t, 1, cache.ItemCount())

	require.NoError(t, cache.Flush(ctx))
	require.Equal(t, 0, cache.ItemCount())
}

func TestInMemoryCacheManager_DeleteExpiredFiresEviction(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, pending]("confirmations", DefaultExpiration, NoCleanup)

	var mu sync.Mutex
	var evicted []string
	cache.OnEvicted(func(key string, value pending) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, key+"->"+value.Recipient)
	})

	cache.Set(ctx, "old", pending{Recipient: "report"}, time.Millisecond)
	cache.Set(ctx, "fresh", pending{Recipient: "rag"}, time.Hour)
	time.Sleep(5 * time.Millisecond)

	require.Equal(t, 2, cache.ItemCount(), "expired items linger until evicted")
	cache.DeleteExpired(ctx)

	require.Equal(t, 1, cache.ItemCount())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"old->report"}, evicted)
}

func TestInMemoryCacheManager_DeleteAlsoFiresEviction(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, int]("test", DefaultExpiration, NoCleanup)

	calls := 0
	cache.OnEvicted(func(string, int) { calls++ })
	cache.Set(ctx, "a", 1, DefaultExpiration)
	require.NoError(t, cache.Delete(ctx, "a"))
	require.Equal(t, 1, calls)
}
