// Package decaymap implements a generic map whose entries expire.
//
// Expired entries are invisible to readers immediately and are reclaimed by
// Cleanup, which only looks at the entries that are actually due by keeping
// expiries in a min-heap.
package decaymap

import (
	"container/heap"
	"sync"
	"time"
)

// Zilch returns the zero value of T.
func Zilch[T any]() T {
	var zero T
	return zero
}

type entry[V any] struct {
	value  V
	expiry time.Time
}

// Impl is a lazy key->value map with per-entry expiry. It is safe for
// concurrent use.
type Impl[K comparable, V any] struct {
	lock   sync.Mutex
	data   map[K]entry[V]
	expiry expiryHeap[K]
}

// New creates a new, empty map.
func New[K comparable, V any]() *Impl[K, V] {
	return &Impl[K, V]{
		data: make(map[K]entry[V]),
	}
}

func (m *Impl[K, V]) expired(e entry[V], now time.Time) bool {
	return now.After(e.expiry)
}

// Get returns the value for key if it exists and has not expired.
func (m *Impl[K, V]) Get(key K) (V, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	e, ok := m.data[key]
	if !ok || m.expired(e, time.Now()) {
		return Zilch[V](), false
	}

	return e.value, true
}

// Set stores value under key, replacing any previous value, until ttl
// elapses.
func (m *Impl[K, V]) Set(key K, value V, ttl time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()

	expiry := time.Now().Add(ttl)
	m.data[key] = entry[V]{value: value, expiry: expiry}
	heap.Push(&m.expiry, expiryItem[K]{key: key, expiry: expiry})
}

// Delete removes key. It returns false if key did not exist or had already
// expired.
func (m *Impl[K, V]) Delete(key K) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	e, ok := m.data[key]
	if !ok {
		return false
	}
	delete(m.data, key)

	return !m.expired(e, time.Now())
}

// Consume hands the live value of key to remove and deletes the entry when
// remove returns true. The lookup, the decision and the deletion happen under
// one lock, so for any entry at most one Consume call observes it and removes
// it.
func (m *Impl[K, V]) Consume(key K, remove func(V) bool) (V, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	e, ok := m.data[key]
	if !ok {
		return Zilch[V](), false
	}

	if m.expired(e, time.Now()) {
		delete(m.data, key)
		return Zilch[V](), false
	}

	if remove(e.value) {
		delete(m.data, key)
	}

	return e.value, true
}

// Len returns the number of entries, including expired entries that have not
// been cleaned up yet.
func (m *Impl[K, V]) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.data)
}

// Cleanup removes every entry whose expiry has passed.
func (m *Impl[K, V]) Cleanup() {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	for m.expiry.Len() > 0 {
		next := m.expiry[0]
		if !now.After(next.expiry) {
			return
		}
		heap.Pop(&m.expiry)

		// The heap may hold stale items for keys that were overwritten or
		// deleted. Only drop the entry if this item still describes it.
		if e, ok := m.data[next.key]; ok && e.expiry.Equal(next.expiry) {
			delete(m.data, next.key)
		}
	}
}

type expiryItem[K comparable] struct {
	key    K
	expiry time.Time
}

type expiryHeap[K comparable] []expiryItem[K]

func (h expiryHeap[K]) Len() int           { return len(h) }
func (h expiryHeap[K]) Less(i, j int) bool { return h[i].expiry.Before(h[j].expiry) }
func (h expiryHeap[K]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap[K]) Push(x any) { *h = append(*h, x.(expiryItem[K])) }

func (h *expiryHeap[K]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
