package types

import "context"

// Store is the revisioned key-value persistence boundary of the core.
//
// Semantics follow JetStream KV: every key carries a monotonically
// increasing revision, Create is atomic add-if-absent, and Update is an
// atomic compare-and-set on the revision. All record mutations in the core
// are expressed as Create or Update so that concurrent writers are
// serialized by the store, never by an application lock alone.
//
// Implementations live under store/: memory (tests, examples), natskv
// (NATS JetStream KV) and pebble (embedded persistent).
type Store interface {
	// Get returns the value and current revision for key.
	// Returns ErrKeyNotFound when the key does not exist.
	Get(ctx context.Context, key string) (value []byte, revision uint64, err error)

	// Create stores value under key only if the key does not exist.
	// Returns ErrKeyExists otherwise.
	Create(ctx context.Context, key string, value []byte) (revision uint64, err error)

	// Update replaces the value only if revision matches the stored revision.
	// Returns ErrRevisionMismatch on conflict and ErrKeyNotFound for missing keys.
	Update(ctx context.Context, key string, value []byte, revision uint64) (newRevision uint64, err error)

	// Put unconditionally upserts the value under key.
	Put(ctx context.Context, key string, value []byte) (revision uint64, err error)

	// Delete removes key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// Keys lists all keys with the given prefix, sorted lexicographically.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Store key prefixes. Record keys are "<prefix><id>".
const (
	BatchKeyPrefix      = "batch."
	InstanceKeyPrefix   = "instance."
	AssignmentKeyPrefix = "assignment."
	TreatmentKeyPrefix  = "treatment."
	WorkerKeyPrefix     = "worker."
	UserAsstKeyPrefix   = "userasst."
)

// BatchKey returns the store key for a batch record.
func BatchKey(batchID string) string { return BatchKeyPrefix + batchID }

// InstanceKey returns the store key for an instance record.
func InstanceKey(groupID string) string { return InstanceKeyPrefix + groupID }

// AssignmentKey returns the store key for an assignment record.
func AssignmentKey(asstID string) string { return AssignmentKeyPrefix + asstID }

// TreatmentKey returns the store key for a treatment record.
func TreatmentKey(name string) string { return TreatmentKeyPrefix + name }

// WorkerKey returns the store key for a worker record.
func WorkerKey(workerID string) string { return WorkerKeyPrefix + workerID }

// UserAsstKey returns the store key of the userID → asstID index entry.
func UserAsstKey(userID string) string { return UserAsstKeyPrefix + userID }
