package sync

import "sync"

// TypedSyncMap is a map which is safe for concurrent use. Range iterates over
// a snapshot of the map, so f is free to mutate the map while iterating.
type TypedSyncMap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func (m *TypedSyncMap[K, V]) Store(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.m == nil {
		m.m = make(map[K]V)
	}
	m.m[key] = value
}

func (m *TypedSyncMap[K, V]) Load(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.m[key]
	return v, ok
}

func (m *TypedSyncMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.m, key)
}

func (m *TypedSyncMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.m)
}

// Range calls f for each key and value present in the map at the time
// of the call. If f returns false, range stops the iteration.
func (m *TypedSyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.mu.RLock()
	snapshot := make(map[K]V, len(m.m))
	for k, v := range m.m {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	for k, v := range snapshot {
		if !f(k, v) {
			return
		}
	}
}
