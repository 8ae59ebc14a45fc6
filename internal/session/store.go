// Package session provides the table of open chunked-upload sessions.
package session

import (
	"errors"
	"sync"
)

// ErrExists is returned when inserting an id that is already live
var ErrExists = errors.New("session: id already registered")

// Store is a concurrency-safe map from upload id to session value.
// Insert never overwrites a live entry.
type Store[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// NewStore creates an empty store
func NewStore[T any]() *Store[T] {
	return &Store[T]{entries: make(map[string]T)}
}

// Insert registers id atomically. It fails with ErrExists on collision.
func (s *Store[T]) Insert(id string, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; ok {
		return ErrExists
	}
	s.entries[id] = v
	return nil
}

// Get returns the value registered for id
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.entries[id]
	return v, ok
}

// Remove deletes id and reports whether this call removed it.
// Concurrent removals of the same id see exactly one true.
func (s *Store[T]) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// RemoveIf deletes id only when match(v) holds for the current value
func (s *Store[T]) RemoveIf(id string, match func(T) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries[id]
	if !ok || !match(v) {
		return false
	}
	delete(s.entries, id)
	return true
}

// Len returns the number of live sessions
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns a snapshot of the live ids
func (s *Store[T]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}
