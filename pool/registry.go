package pool

import "sync"

// Registry holds named pools, keyed by caller-chosen name (typically the
// submission host:port). It replaces the process-wide mutable pool-name map
// pattern with an explicit, caller-owned instance guarded by one mutex, per
// the design note against module-level mutable state.
type Registry[T any] struct {
	mu    sync.Mutex
	pools map[string]*Pool[T]
}

// NewRegistry makes an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{pools: map[string]*Pool[T]{}}
}

// Ensure returns the named pool, creating it with make if it does not yet
// exist.
func (r *Registry[T]) Ensure(name string, make func() *Pool[T]) *Pool[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[name]; ok {
		return p
	}
	p := make()
	r.pools[name] = p
	return p
}

// Get returns the named pool and whether it exists.
func (r *Registry[T]) Get(name string) (*Pool[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[name]
	return p, ok
}

// CloseAll closes every pool in the registry and empties it.
func (r *Registry[T]) CloseAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = map[string]*Pool[T]{}
	r.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
