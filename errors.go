package turkserver

import "github.com/amaatouq/turkserver/types"

// Sentinel errors re-exported from the types subpackage. Check with
// errors.Is.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrStoreRequired is returned when a nil store is supplied.
	ErrStoreRequired = types.ErrStoreRequired

	// ErrAssignerRequired is returned when no assigner is installed.
	ErrAssignerRequired = types.ErrAssignerRequired

	// ErrBatchInactive is returned when connections arrive for an inactive batch.
	ErrBatchInactive = types.ErrBatchInactive

	// ErrGroupNotFound is returned when no instance record exists for a group ID.
	ErrGroupNotFound = types.ErrGroupNotFound

	// ErrTreatmentNotFound is returned when a named treatment cannot be resolved.
	ErrTreatmentNotFound = types.ErrTreatmentNotFound

	// ErrBatchNotFound is returned when a batch record cannot be resolved.
	ErrBatchNotFound = types.ErrBatchNotFound

	// ErrWorkerNotFound is returned when a worker record cannot be resolved.
	ErrWorkerNotFound = types.ErrWorkerNotFound

	// ErrAssignmentNotFound is returned when a participant has no assignment record.
	ErrAssignmentNotFound = types.ErrAssignmentNotFound

	// ErrInstanceEnded is returned when mutating an instance after teardown.
	ErrInstanceEnded = types.ErrInstanceEnded

	// ErrInstanceExists is returned when creating an instance that already exists.
	ErrInstanceExists = types.ErrInstanceExists

	// ErrNoInstancesConfigured is returned by fixed-set policies when the
	// batch configures no instances.
	ErrNoInstancesConfigured = types.ErrNoInstancesConfigured
)
