package types

import "sync"

type SafeMap[V any] struct {
	items map[string]V
	mu    sync.Mutex
}

func NewSafeMap[V any]() *SafeMap[V] {
	return &SafeMap[V]{items: make(map[string]V)}
}

func (sm *SafeMap[V]) Get(key string) V {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.items[key]
}

func (sm *SafeMap[V]) GetOk(key string) (V, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	v, ok := sm.items[key]
	return v, ok
}

func (sm *SafeMap[V]) Set(key string, value V) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.items[key] = value
}

// SetIfAbsent stores value only when the key is free, reporting whether it
// was stored.
func (sm *SafeMap[V]) SetIfAbsent(key string, value V) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.items[key]; ok {
		return false
	}
	sm.items[key] = value
	return true
}

func (sm *SafeMap[V]) Delete(key string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.items, key)
}

func (sm *SafeMap[V]) Update(key string, fn func(V)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if item, ok := sm.items[key]; ok {
		fn(item)
		sm.items[key] = item
	}
}

func (sm *SafeMap[V]) Keys() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	keys := make([]string, 0, len(sm.items))
	for k := range sm.items {
		keys = append(keys, k)
	}
	return keys
}

func (sm *SafeMap[V]) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.items)
}
