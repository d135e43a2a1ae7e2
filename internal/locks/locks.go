// Package locks provides a registry of mutexes keyed by agent id, so
// deploy, teardown and corrective reconciler transitions for the same
// agent serialize while different agents proceed concurrently.
package locks

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out per-key mutexes. Entries are reference counted and
// removed once the last holder releases, so the map does not grow with the
// number of agents ever seen.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lock blocks until the key's mutex is held and returns the release func.
func (r *Registry) Lock(key string) func() {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			r.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(r.entries, key)
			}
			r.mu.Unlock()
		})
	}
}
