package types

import "time"

// AssignmentStatus is the marketplace status of an assignment.
type AssignmentStatus string

// Assignment statuses.
const (
	// AssignmentAssigned means the worker currently holds the assignment.
	AssignmentAssigned AssignmentStatus = "assigned"

	// AssignmentReturned means the worker returned the assignment.
	AssignmentReturned AssignmentStatus = "returned"
)

// InstanceJoin records one membership of an assignment in an instance.
type InstanceJoin struct {
	// GroupID is the instance's group ID.
	GroupID string `json:"id"`

	// JoinTime is when the participant entered the instance.
	JoinTime time.Time `json:"joinTime"`

	// LeaveTime is when the participant left (zero while still inside).
	LeaveTime time.Time `json:"leaveTime,omitzero"`
}

// AssignmentRecord is a participant's durable participation record.
//
// One assignment may reference many instances over its life, and an instance
// may reference many assignments; the Instances slice holds the join records
// for this side of the relation, in join order.
type AssignmentRecord struct {
	// AsstID is the marketplace assignment ID (unique).
	AsstID string `json:"asstId"`

	// WorkerID is the marketplace worker ID.
	WorkerID string `json:"workerId"`

	// UserID is the connection-layer user ID.
	UserID string `json:"userId"`

	// BatchID identifies the batch this assignment belongs to.
	BatchID string `json:"batchId"`

	// Status is the marketplace status of the assignment.
	Status AssignmentStatus `json:"status"`

	// Instances is the ordered history of instance memberships.
	Instances []InstanceJoin `json:"instances"`
}

// Completed counts instance memberships the participant has finished
// (joins with a recorded leave time).
func (r *AssignmentRecord) Completed() int {
	n := 0
	for i := range r.Instances {
		if !r.Instances[i].LeaveTime.IsZero() {
			n++
		}
	}

	return n
}

// OpenJoin returns the join record for groupID that has no leave time yet,
// or nil if the participant is not currently inside that instance.
func (r *AssignmentRecord) OpenJoin(groupID string) *InstanceJoin {
	for i := range r.Instances {
		if r.Instances[i].GroupID == groupID && r.Instances[i].LeaveTime.IsZero() {
			return &r.Instances[i]
		}
	}

	return nil
}

// OpenInstance returns the group ID of the join the participant is still
// inside (no leave time recorded yet). The second return value is false when
// every join has ended.
func (r *AssignmentRecord) OpenInstance() (string, bool) {
	for i := range r.Instances {
		if r.Instances[i].LeaveTime.IsZero() {
			return r.Instances[i].GroupID, true
		}
	}

	return "", false
}

// RecordJoin appends a join record for groupID at time t.
//
// Idempotent: if an open join for groupID already exists, nothing changes and
// false is returned.
func (r *AssignmentRecord) RecordJoin(groupID string, t time.Time) bool {
	if r.OpenJoin(groupID) != nil {
		return false
	}
	r.Instances = append(r.Instances, InstanceJoin{GroupID: groupID, JoinTime: t})

	return true
}

// RecordLeave sets the leave time on the open join for groupID.
//
// Returns false when there is no open join for groupID.
func (r *AssignmentRecord) RecordLeave(groupID string, t time.Time) bool {
	join := r.OpenJoin(groupID)
	if join == nil {
		return false
	}
	join.LeaveTime = t

	return true
}
