// Package pebble implements types.Store on an embedded cockroachdb/pebble
// database, for single-process deployments that need durable state without
// an external NATS cluster.
//
// Revisions are encoded into the stored value (8-byte big-endian prefix).
// Pebble itself has no compare-and-set, so a store-wide mutex serializes
// writers; this is sound because the store is process-local by construction.
package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/amaatouq/turkserver/types"
	"github.com/cockroachdb/pebble"
)

// Store is a types.Store backed by an embedded pebble database.
type Store struct {
	mu sync.Mutex
	db *pebble.DB
}

// Compile-time assertion that Store implements types.Store.
var _ types.Store = (*Store)(nil)

// Open opens (or creates) a pebble database at path and wraps it as a Store.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value and current revision for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, uint64, error) {
	raw, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, 0, types.ErrKeyNotFound
		}

		return nil, 0, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()

	revision, value, err := decode(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("pebble get %s: %w", key, err)
	}

	return slices.Clone(value), revision, nil
}

// Create stores value under key only if the key does not exist.
func (s *Store) Create(_ context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.revision(key); err == nil {
		return 0, types.ErrKeyExists
	} else if !errors.Is(err, types.ErrKeyNotFound) {
		return 0, err
	}

	if err := s.write(key, value, 1); err != nil {
		return 0, err
	}

	return 1, nil
}

// Update replaces the value only if revision matches the stored revision.
func (s *Store) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.revision(key)
	if err != nil {
		return 0, err
	}
	if current != revision {
		return 0, types.ErrRevisionMismatch
	}

	next := current + 1
	if err := s.write(key, value, next); err != nil {
		return 0, err
	}

	return next, nil
}

// Put unconditionally upserts the value under key.
func (s *Store) Put(_ context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := uint64(1)
	if current, err := s.revision(key); err == nil {
		next = current + 1
	} else if !errors.Is(err, types.ErrKeyNotFound) {
		return 0, err
	}

	if err := s.write(key, value, next); err != nil {
		return 0, err
	}

	return next, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete %s: %w", key, err)
	}

	return nil
}

// Keys lists all keys with the given prefix, sorted lexicographically.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}

	return keys, nil
}

// revision reads the current revision of key, without copying the value.
func (s *Store) revision(key string) (uint64, error) {
	raw, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, types.ErrKeyNotFound
		}

		return 0, fmt.Errorf("pebble get %s: %w", key, err)
	}
	defer closer.Close()

	revision, _, err := decode(raw)
	if err != nil {
		return 0, fmt.Errorf("pebble get %s: %w", key, err)
	}

	return revision, nil
}

func (s *Store) write(key string, value []byte, revision uint64) error {
	if err := s.db.Set([]byte(key), encode(value, revision), pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}

	return nil
}

func encode(value []byte, revision uint64) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, revision)
	copy(buf[8:], value)

	return buf
}

func decode(raw []byte) (uint64, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, errors.New("corrupt value: missing revision header")
	}

	return binary.BigEndian.Uint64(raw), raw[8:], nil
}

// prefixBounds converts a key prefix into pebble iterator bounds.
func prefixBounds(prefix string) *pebble.IterOptions {
	if prefix == "" {
		return &pebble.IterOptions{}
	}

	lower := []byte(prefix)
	upper := make([]byte, len(lower))
	copy(upper, lower)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			upper = upper[:i+1]

			break
		}
	}

	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}
