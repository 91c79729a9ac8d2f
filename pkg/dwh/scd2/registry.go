package scd2

import (
	"fmt"
	"sync"
)

// Registry allocates surrogate keys per dimension. It is derived state:
// seeded from the maximum key already persisted at every run start, never
// authoritative on its own. Keys are monotonically increasing and never
// reused, including after a version is closed.
type Registry struct {
	mu   sync.Mutex
	next map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{next: make(map[string]uint64)}
}

// Seed records the maximum surrogate key already persisted for the
// dimension. Allocation for an unseeded dimension fails: guessing a seed
// could reuse keys, which is a correctness violation, not a recoverable
// condition.
func (r *Registry) Seed(dimension string, maxPersisted uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next[dimension] = maxPersisted + 1
}

// Allocate returns a fresh surrogate key strictly greater than any
// previously allocated or persisted for the dimension.
func (r *Registry) Allocate(dimension string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.next[dimension]
	if !ok {
		return 0, fmt.Errorf("surrogate key registry not seeded for dimension %q", dimension)
	}
	r.next[dimension] = n + 1
	return n, nil
}
