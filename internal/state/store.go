// SPDX-License-Identifier: MPL-2.0

package state

import (
	"maps"
	"slices"
	"sync"
)

// Store is a concurrency-safe string key/value registry.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

func newStore() *Store {
	return &Store{values: make(map[string]string)}
}

// Get returns the value for key and whether it was set.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	delete(s.values, key)
	return ok
}

// CompareAndSwap sets key to next when the key's presence matches present
// and, if present, its value equals old.
func (s *Store) CompareAndSwap(key, old string, present bool, next string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.values[key]
	if ok != present || (ok && cur != old) {
		return false
	}
	s.values[key] = next
	return true
}

// Keys returns all keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.values))
}

// Snapshot returns a copy of every entry.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}
