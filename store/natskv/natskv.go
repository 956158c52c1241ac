// Package natskv implements types.Store on a NATS JetStream KeyValue bucket.
//
// JetStream KV already provides the exact semantics the core requires:
// per-key revisions, atomic Create and revision-guarded Update. This package
// is a thin translation layer that maps JetStream errors onto the store
// sentinels.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/amaatouq/turkserver/types"
	"github.com/nats-io/nats.go/jetstream"
)

// Store is a types.Store backed by one JetStream KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// Compile-time assertion that Store implements types.Store.
var _ types.Store = (*Store)(nil)

// New creates or opens the named KV bucket and wraps it as a Store.
//
// Creation races between concurrent processes are tolerated: if the bucket
// already exists it is opened instead, with retries and exponential backoff
// for transient failures.
func New(ctx context.Context, js jetstream.JetStream, bucket string) (*Store, error) {
	const maxRetries = 3

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
		if err == nil {
			return &Store{kv: kv}, nil
		}

		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
			if err == nil {
				return &Store{kv: kv}, nil
			}
			lastErr = fmt.Errorf("bucket exists but failed to open: %w", err)
		} else {
			lastErr = err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < maxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("failed to create/open KV bucket %s: %w", bucket, lastErr)
}

// Wrap adapts an existing KV bucket as a Store.
func Wrap(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Get returns the value and current revision for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, types.ErrKeyNotFound
		}

		return nil, 0, fmt.Errorf("kv get %s: %w", key, err)
	}

	return entry.Value(), entry.Revision(), nil
}

// Create stores value under key only if the key does not exist.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, types.ErrKeyExists
		}

		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}

	return rev, nil
}

// Update replaces the value only if revision matches the stored revision.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.kv.Update(ctx, key, value, revision)
	if err != nil {
		if isWrongSequence(err) {
			return 0, types.ErrRevisionMismatch
		}
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, types.ErrKeyNotFound
		}

		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}

	return rev, nil
}

// Put unconditionally upserts the value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}

	return rev, nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}

	return nil
}

// Keys lists all keys with the given prefix, sorted lexicographically.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if isNoKeysFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("kv list keys: %w", err)
	}

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	// KeyLister yields in stream order, not key order.
	slices.Sort(keys)

	return keys, nil
}

// isWrongSequence detects the JetStream revision-conflict error on Update.
// The conflict surfaces as an API error ("wrong last sequence"), possibly
// wrapped, so match on the message like the rest of the NATS ecosystem does.
func isWrongSequence(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}

// isNoKeysFound detects the empty-bucket condition from ListKeys.
func isNoKeysFound(err error) bool {
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return true
	}

	return err != nil && strings.Contains(err.Error(), "no keys found")
}
