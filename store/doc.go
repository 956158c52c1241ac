// Package store groups the Store implementations.
//
// All implementations satisfy types.Store with JetStream-KV semantics:
// per-key revisions, atomic Create (add-if-absent) and atomic Update
// (compare-and-set on revision).
//
//   - memory: mutex-guarded in-memory store for tests and examples
//   - natskv: NATS JetStream KeyValue bucket
//   - pebble: embedded persistent store on cockroachdb/pebble
package store
