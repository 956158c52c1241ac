package types

import (
	"slices"
	"time"
)

// InstanceRecord is the persisted state of one running experiment group.
//
// Invariants:
//   - At most one record per GroupID (enforced by Store.Create).
//   - StartTime is set exactly once, when the first member joins.
//   - No membership change after EndTime is set.
type InstanceRecord struct {
	// GroupID uniquely identifies the experiment group.
	GroupID string `json:"groupId"`

	// BatchID identifies the owning batch.
	BatchID string `json:"batchId"`

	// Treatments is the ordered list of treatment names applied to the group.
	// On key conflict, later entries override earlier ones.
	Treatments []string `json:"treatments"`

	// Users is the membership set, append-only while the instance is open.
	// Order reflects join order; duplicates are never stored.
	Users []string `json:"users"`

	// Assignable marks the instance as a candidate for sequential assignment.
	Assignable bool `json:"assignable"`

	// StartTime is the wall-clock time of the first join (zero until then).
	StartTime time.Time `json:"startTime,omitzero"`

	// EndTime is the teardown timestamp (zero while the instance is open).
	EndTime time.Time `json:"endTime,omitzero"`

	// CreatedAt orders instances by creation for policy scans.
	CreatedAt time.Time `json:"createdAt"`
}

// IsEnded reports whether the instance has been torn down.
func (r *InstanceRecord) IsEnded() bool {
	return !r.EndTime.IsZero()
}

// HasUser reports whether userID is a member of the instance.
func (r *InstanceRecord) HasUser(userID string) bool {
	return slices.Contains(r.Users, userID)
}

// AddUser inserts userID into the membership set.
//
// Returns false without modifying the record when the user is already a
// member (set semantics: duplicate add is a no-op).
func (r *InstanceRecord) AddUser(userID string) bool {
	if r.HasUser(userID) {
		return false
	}
	r.Users = append(r.Users, userID)

	return true
}

// Duration returns (EndTime ?? now) - StartTime.
//
// For an ended instance the result is frozen at EndTime - StartTime,
// independent of wall-clock time elapsed since teardown.
func (r *InstanceRecord) Duration(now time.Time) time.Duration {
	if r.IsEnded() {
		return r.EndTime.Sub(r.StartTime)
	}

	return now.Sub(r.StartTime)
}
