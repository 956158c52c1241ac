// Package types contains the shared records, interfaces and sentinel errors
// used across the turkserver library.
//
// The root turkserver package re-exports the most commonly used definitions
// via type aliases. Internal packages depend on types directly, which keeps
// the dependency graph acyclic: experiment, lobby and assigner can all share
// the same records without importing the composition root.
package types
