// Package observer is a typed in-process observer registry.
package observer

import (
	"sort"
	"sync"
)

// Registry holds listeners for values of type T. Subscribe and the returned
// unsubscribe are O(1); unsubscribing twice is a no-op.
type Registry[T any] struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]func(T)
}

// Subscribe registers fn and returns its unsubscribe function.
func (r *Registry[T]) Subscribe(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners == nil {
		r.listeners = make(map[uint64]func(T))
	}
	r.next++
	id := r.next
	r.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.listeners, id)
		})
	}
}

// Publish delivers v to every listener in subscription order. Listeners are
// called outside the registry lock.
func (r *Registry[T]) Publish(v T) {
	for _, fn := range r.snapshot() {
		fn(v)
	}
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Clear drops every listener.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = nil
}

func (r *Registry[T]) snapshot() []func(T) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	return fns
}
