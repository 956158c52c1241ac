// Package memory provides an in-memory types.Store for tests and examples.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/amaatouq/turkserver/types"
)

type entry struct {
	value    []byte
	revision uint64
}

// Store is a mutex-guarded in-memory key-value store with per-key revisions.
//
// Safe for concurrent use. Not persistent; state is lost on process exit.
type Store struct {
	mu    sync.RWMutex
	items map[string]entry
}

// Compile-time assertion that Store implements types.Store.
var _ types.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{items: map[string]entry{}}
}

// Get returns the value and current revision for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok {
		return nil, 0, types.ErrKeyNotFound
	}

	return slices.Clone(e.value), e.revision, nil
}

// Create stores value under key only if the key does not exist.
func (s *Store) Create(_ context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		return 0, types.ErrKeyExists
	}
	s.items[key] = entry{value: slices.Clone(value), revision: 1}

	return 1, nil
}

// Update replaces the value only if revision matches the stored revision.
func (s *Store) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return 0, types.ErrKeyNotFound
	}
	if e.revision != revision {
		return 0, types.ErrRevisionMismatch
	}
	next := e.revision + 1
	s.items[key] = entry{value: slices.Clone(value), revision: next}

	return next, nil
}

// Put unconditionally upserts the value under key.
func (s *Store) Put(_ context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.items[key].revision + 1
	s.items[key] = entry{value: slices.Clone(value), revision: next}

	return next, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)

	return nil
}

// Keys lists all keys with the given prefix, sorted lexicographically.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	return keys, nil
}
