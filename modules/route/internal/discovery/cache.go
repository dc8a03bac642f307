package discovery

import (
	"iter"
	"maps"
	"sync"
)

// Cache holds a snapshot of some kernel state that is replaced as a
// whole on every refresh.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	cache map[K]V
}

// NewCache constructs a new cache using specified underlying map.
func NewCache[K comparable, V any](cache map[K]V) *Cache[K, V] {
	return &Cache[K, V]{
		cache: cache,
	}
}

// NewEmptyCache returns an empty cache.
func NewEmptyCache[K comparable, V any]() *Cache[K, V] {
	return NewCache(map[K]V{})
}

// View returns a read-only view of the current snapshot.
//
// Snapshots are never modified after a swap, so the view stays
// consistent while the cache moves on.
func (m *Cache[K, V]) View() CacheView[K, V] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return CacheView[K, V]{cache: m.cache}
}

// Swap replaces the snapshot and returns the previous one.
func (m *Cache[K, V]) Swap(cache map[K]V) map[K]V {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.cache
	m.cache = cache
	return prev
}

// CacheView is a read-only view of the cache.
type CacheView[K comparable, V any] struct {
	cache map[K]V
}

// Lookup returns the value for the specified key.
func (m CacheView[K, V]) Lookup(key K) (V, bool) {
	v, ok := m.cache[key]
	return v, ok
}

// Len returns the number of entries.
func (m CacheView[K, V]) Len() int {
	return len(m.cache)
}

// Entries returns entries in the cache as an iterator.
func (m CacheView[K, V]) Entries() iter.Seq2[K, V] {
	return maps.All(m.cache)
}
