package registry

import (
	"sync"
)

// Registry maps a logical entity key (workspace id, channel id) to the
// instance currently owning it. It is owned by the supervisor/coordinator
// and never handed out for direct external mutation.
type Registry[T any] struct {
	mu sync.RWMutex
	m  map[string]T
}

func New[T any]() *Registry[T] {
	return &Registry[T]{m: make(map[string]T)}
}

// Register stores v under key unless the key is already taken. It returns
// the winning value and whether v was the one registered, so concurrent
// ensure-starts collapse onto a single instance.
func (r *Registry[T]) Register(key string, v T) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.m[key]; ok {
		return cur, false
	}
	r.m[key] = v
	return v, true
}

func (r *Registry[T]) Lookup(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[key]
	return v, ok
}

func (r *Registry[T]) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[key]; !ok {
		return false
	}
	delete(r.m, key)
	return true
}

func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Range calls f for each entry over a snapshot until f returns false.
func (r *Registry[T]) Range(f func(key string, v T) bool) {
	r.mu.RLock()
	snapshot := make(map[string]T, len(r.m))
	for k, v := range r.m {
		snapshot[k] = v
	}
	r.mu.RUnlock()
	for k, v := range snapshot {
		if !f(k, v) {
			return
		}
	}
}
