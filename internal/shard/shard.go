// Package shard provides a string-keyed map split across independently locked
// shards, so that operations on unrelated keys do not contend.
package shard

import (
	"hash/fnv"
	"sync"
)

// DefaultShards is used when New is given a non-positive count.
const DefaultShards = 32

type bucket[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// Map is a concurrent map from string keys to V.
type Map[V any] struct {
	buckets []*bucket[V]
}

// New creates a map with n shards.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{buckets: make([]*bucket[V], n)}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.buckets[h.Sum32()%uint32(len(m.buckets))]
}

// Load returns the value stored under key.
func (m *Map[V]) Load(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	return v, ok
}

// Store sets the value for key.
func (m *Map[V]) Store(key string, v V) {
	b := m.bucketFor(key)
	b.mu.Lock()
	b.m[key] = v
	b.mu.Unlock()
}

// LoadOrCreate returns the existing value for key, or stores and returns the
// result of create. create runs under the shard lock and must not call back into m.
func (m *Map[V]) LoadOrCreate(key string, create func() V) V {
	b := m.bucketFor(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	if ok {
		return v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.m[key]; ok {
		return v
	}
	v = create()
	b.m[key] = v
	return v
}

// Update applies fn to the current value of key while holding the shard lock.
// fn returns the new value and whether to keep it; returning false deletes key.
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.m[key]
	next, keep := fn(cur, ok)
	if keep {
		b.m[key] = next
	} else if ok {
		delete(b.m, key)
	}
}

// View calls fn with the value of key while holding the shard read lock, so fn
// may read state that Update mutates in place.
func (m *Map[V]) View(key string, fn func(v V, ok bool)) {
	b := m.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	fn(v, ok)
}

// Delete removes key.
func (m *Map[V]) Delete(key string) {
	b := m.bucketFor(key)
	b.mu.Lock()
	delete(b.m, key)
	b.mu.Unlock()
}

// Len counts entries across all shards. The result is a point-in-time estimate
// under concurrent mutation.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry, one shard at a time, stopping when fn
// returns false. fn must not call back into m.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.m {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}
