// Package registry maps logical process names to the handles that own them.
//
// A Registry is an explicitly owned value held by one test run; there is no
// package-level table.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateName is returned when registering a name that is taken.
	ErrDuplicateName = errors.New("duplicate process name")

	// ErrNotFound is returned when a name is not registered.
	ErrNotFound = errors.New("process not found")
)

// Registry maps names to values of type T, keeping registration order.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
	order   []string
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		entries: make(map[string]T),
	}
}

// Register adds v under name. An existing name is never overwritten.
func (r *Registry[T]) Register(name string, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.entries[name] = v
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the value registered under name.
func (r *Registry[T]) Lookup(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return v, nil
}

// Replace swaps the value stored under an existing name.
func (r *Registry[T]) Replace(name string, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.entries[name] = v
	return nil
}

// Remove deletes name and returns the value it held.
func (r *Registry[T]) Remove(name string) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return v, nil
}

// All returns the registered values in registration order.
func (r *Registry[T]) All() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// Names returns the registered names in registration order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered names.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
