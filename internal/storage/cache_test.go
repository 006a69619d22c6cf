package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewLRUCache[int](2, time.Minute)

	cache.Set("a", 1)
	cache.Set("b", 2)
	_, _ = cache.Get("a")
	cache.Set("c", 3)

	_, found := cache.Get("b")
	assert.False(t, found)
	v, found := cache.Get("a")
	assert.True(t, found)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, cache.Len())
}

func TestLRUCacheExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewLRUCache[string](10, time.Second)
	cache.now = func() time.Time { return now }

	cache.Set("k", "v")
	cache.Set("other", "v")
	now = now.Add(2 * time.Second)

	_, found := cache.Get("k")
	assert.False(t, found)
	assert.Equal(t, 1, cache.CleanupExpired())
	assert.Equal(t, 0, cache.Len())

	stats := cache.GetStats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 10, stats.Capacity)
}

func TestLRUCacheDisabled(t *testing.T) {
	cache := NewLRUCache[int](0, time.Minute)
	cache.Set("a", 1)

	_, found := cache.Get("a")
	assert.False(t, found)
}
