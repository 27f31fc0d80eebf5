package core

import (
	"fmt"
	"sort"
	"sync"
)

// Described is anything registered under an entity kind.
type Described interface {
	Descriptor() *Descriptor
}

// Registry maps entity kinds to values describing them. It is constructed at
// process start and injected wherever kinds are resolved at runtime.
type Registry[T Described] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewRegistry creates an empty registry.
func NewRegistry[T Described]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Register adds item under its descriptor's kind.
// Panics if the kind is already registered.
func (r *Registry[T]) Register(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := item.Descriptor().Kind
	if _, exists := r.items[kind]; exists {
		panic(fmt.Sprintf("entity kind already registered: %s", kind))
	}
	r.items[kind] = item
}

// Get returns the item for kind, or ErrUnknownKind.
func (r *Registry[T]) Get(kind string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[kind]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return item, nil
}

// Kinds returns all registered kinds, sorted.
func (r *Registry[T]) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.items))
	for k := range r.items {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// All returns all registered items sorted by kind.
func (r *Registry[T]) All() []T {
	kinds := r.Kinds()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, r.items[k])
	}
	return out
}

// Len returns the number of registered kinds.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
