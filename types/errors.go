package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the turkserver library.
//
// These errors provide type-safe error checking using errors.Is() and
// errors.As(). Components use these sentinels for known error conditions and
// wrap external errors with context using fmt.Errorf("...: %w", err).

// Not-found errors - a referenced record does not exist in the store.
var (
	// ErrGroupNotFound is returned when no instance record exists for a group ID.
	ErrGroupNotFound = errors.New("experiment group not found")

	// ErrTreatmentNotFound is returned when a named treatment cannot be resolved.
	ErrTreatmentNotFound = errors.New("treatment not found")

	// ErrBatchNotFound is returned when a batch record cannot be resolved.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrWorkerNotFound is returned when a worker record cannot be resolved.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrAssignmentNotFound is returned when a participant has no assignment record.
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// State errors - an operation conflicts with the current record lifecycle.
var (
	// ErrInstanceEnded is returned when mutating an instance after teardown.
	ErrInstanceEnded = errors.New("instance already ended")

	// ErrInstanceExists is returned when creating an instance for a group ID
	// that already has one.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrInstanceFull is returned by capacity-capped admission when the
	// instance already holds its configured member count.
	ErrInstanceFull = errors.New("instance at capacity")

	// ErrBatchInactive is returned when connections arrive for an inactive batch.
	ErrBatchInactive = errors.New("batch is not active")
)

// Configuration and wiring errors returned by constructors.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreRequired is returned when a nil store is supplied.
	ErrStoreRequired = errors.New("store is required")

	// ErrAssignerRequired is returned when a nil assigner is installed.
	ErrAssignerRequired = errors.New("assigner is required")

	// ErrNoInstancesConfigured is returned by policies that operate on a fixed
	// instance set when the batch configures none.
	ErrNoInstancesConfigured = errors.New("no instances configured for batch")
)

// Store errors - returned by Store implementations.
var (
	// ErrKeyNotFound is returned when a key does not exist in the store.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned by Create when the key already exists.
	ErrKeyExists = errors.New("key already exists")

	// ErrRevisionMismatch is returned by Update when the expected revision
	// does not match the stored one. Callers re-read and retry.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// AdminError is a structured error returned by administrative operations.
//
// Code follows HTTP conventions: 403 for authorization denials, 502 for
// upstream marketplace or email failures.
type AdminError struct {
	// Code is the HTTP-style status code.
	Code int

	// Op names the administrative operation that failed.
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *AdminError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %d %s: %v", e.Op, e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %d %s", e.Op, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *AdminError) Unwrap() error {
	return e.Err
}

// NewAuthorizationError builds the 403-class error surfaced when the
// authorization hook denies an administrative operation.
func NewAuthorizationError(op string) *AdminError {
	return &AdminError{Code: 403, Op: op, Message: "authorization denied"}
}
