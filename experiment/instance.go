package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amaatouq/turkserver/scope"
	"github.com/amaatouq/turkserver/types"
)

// Instance is the runtime handle of one experiment group.
//
// Handles are interned in the manager's registry: for any groupID there is
// at most one Instance, so its mutex is the per-group exclusive section for
// in-process admissions and teardown.
type Instance struct {
	mgr     *Manager
	groupID string
	mu      sync.Mutex
}

// GroupID returns the instance's group ID.
func (i *Instance) GroupID() string {
	return i.groupID
}

// Record loads the instance's stored record and its revision.
func (i *Instance) Record(ctx context.Context) (types.InstanceRecord, uint64, error) {
	rec, rev, err := getRecord[types.InstanceRecord](ctx, i.mgr.store, types.InstanceKey(i.groupID))
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return rec, 0, fmt.Errorf("group %s: %w", i.groupID, types.ErrGroupNotFound)
		}

		return rec, 0, err
	}

	return rec, rev, nil
}

// Users returns the current membership snapshot (empty if none).
func (i *Instance) Users(ctx context.Context) ([]string, error) {
	rec, _, err := i.Record(ctx)
	if err != nil {
		return nil, err
	}

	return rec.Users, nil
}

// IsEnded reports whether the instance has been torn down.
func (i *Instance) IsEnded(ctx context.Context) (bool, error) {
	rec, _, err := i.Record(ctx)
	if err != nil {
		return false, err
	}

	return rec.IsEnded(), nil
}

// Duration returns (endTime ?? now) - startTime. For an ended instance the
// result is frozen regardless of wall-clock time elapsed since teardown.
func (i *Instance) Duration(ctx context.Context) (time.Duration, error) {
	rec, _, err := i.Record(ctx)
	if err != nil {
		return 0, err
	}

	return rec.Duration(i.mgr.clock()), nil
}

// Batch resolves the owning batch record.
func (i *Instance) Batch(ctx context.Context) (types.BatchRecord, error) {
	rec, _, err := i.Record(ctx)
	if err != nil {
		return types.BatchRecord{}, err
	}

	return i.mgr.BatchRecord(ctx, rec.BatchID)
}

// Treatment resolves the instance's effective treatment: the ordered merge
// of its named treatments, later entries overriding earlier on key conflict.
//
// Resolutions are cached; treatment content is treated as immutable once the
// instance exists.
func (i *Instance) Treatment(ctx context.Context) (types.ResolvedTreatment, error) {
	if cached, ok := i.mgr.treatments.Get(i.groupID); ok {
		return cached, nil
	}

	rec, _, err := i.Record(ctx)
	if err != nil {
		return types.ResolvedTreatment{}, err
	}

	list := make([]types.Treatment, 0, len(rec.Treatments))
	for _, name := range rec.Treatments {
		t, _, err := getRecord[types.Treatment](ctx, i.mgr.store, types.TreatmentKey(name))
		if err != nil {
			if errors.Is(err, types.ErrKeyNotFound) {
				return types.ResolvedTreatment{}, fmt.Errorf("treatment %q: %w", name, types.ErrTreatmentNotFound)
			}

			return types.ResolvedTreatment{}, err
		}
		list = append(list, t)
	}

	resolved := types.MergeTreatments(list)
	i.mgr.treatments.Add(i.groupID, resolved)

	return resolved, nil
}

// BindOperation runs fn with the current group bound to this instance.
func (i *Instance) BindOperation(ctx context.Context, fn func(ctx context.Context, inst *Instance) error) error {
	return fn(scope.BindGroup(ctx, i.groupID), i)
}

// Setup runs all registered init handlers, in registration order, inside the
// instance's group scope, then emits an "initialized" event carrying the
// resolved treatment.
func (i *Instance) Setup(ctx context.Context) error {
	bound := scope.BindGroup(ctx, i.groupID)
	for _, fn := range initHandlersSnapshot() {
		if err := fn(bound, i); err != nil {
			return fmt.Errorf("init handler for group %s: %w", i.groupID, err)
		}
	}

	treatment, err := i.Treatment(ctx)
	if err != nil {
		return err
	}

	i.mgr.sink.Emit(ctx, types.Event{
		Kind:      types.EventInitialized,
		Timestamp: i.mgr.clock(),
		Payload: map[string]any{
			"group_id":  i.groupID,
			"treatment": treatment,
		},
	})
	i.mgr.logger.Info("instance initialized", "group_id", i.groupID, "treatments", treatment.Names)

	return nil
}

// AddAssignment admits the participant into the instance.
//
// Fails with ErrInstanceEnded after teardown. Duplicate admission is a
// no-op. The first admission ever sets the instance's start time. On
// success the participant's group mapping, worker state ("experiment") and
// assignment history are updated, and asst reflects the stored record.
func (i *Instance) AddAssignment(ctx context.Context, asst *types.AssignmentRecord) error {
	return i.addAssignment(ctx, asst, 0)
}

// AddAssignmentCapped is AddAssignment with a membership cap. The capacity
// check and the membership append happen in one compare-and-set against the
// instance record, so concurrent admissions - including ones from other
// processes - can never push membership past capacity. A full instance fails
// with ErrInstanceFull. capacity <= 0 means uncapped.
func (i *Instance) AddAssignmentCapped(ctx context.Context, asst *types.AssignmentRecord, capacity int) error {
	return i.addAssignment(ctx, asst, capacity)
}

func (i *Instance) addAssignment(ctx context.Context, asst *types.AssignmentRecord, capacity int) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.mgr.clock()
	key := types.InstanceKey(i.groupID)
	for {
		rec, rev, err := i.Record(ctx)
		if err != nil {
			return err
		}
		if rec.IsEnded() {
			return fmt.Errorf("add assignment to group %s: %w", i.groupID, types.ErrInstanceEnded)
		}
		if capacity > 0 && !rec.HasUser(asst.UserID) && len(rec.Users) >= capacity {
			return fmt.Errorf("add assignment to group %s: %w", i.groupID, types.ErrInstanceFull)
		}

		added := rec.AddUser(asst.UserID)
		if rec.StartTime.IsZero() {
			rec.StartTime = now
		} else if !added {
			break // already a member, record unchanged
		}

		_, err = putRecord(ctx, i.mgr.store, key, rec, rev)
		if errors.Is(err, types.ErrRevisionMismatch) {
			continue // lost a race with another admission, re-read and retry
		}
		if err != nil {
			return err
		}

		break
	}

	i.mgr.scopes.SetUserGroup(asst.UserID, i.groupID)
	if err := i.mgr.SetWorkerState(ctx, asst.WorkerID, types.WorkerExperiment); err != nil {
		return err
	}

	updated, err := i.mgr.mutateAssignment(ctx, asst.AsstID, func(r *types.AssignmentRecord) bool {
		return r.RecordJoin(i.groupID, now)
	})
	if err != nil {
		return err
	}
	*asst = *updated

	i.mgr.logger.Debug("assignment added",
		"group_id", i.groupID, "user_id", asst.UserID, "worker_id", asst.WorkerID)

	return nil
}

// Teardown closes the instance exactly once.
//
// A single timestamp is captured up front and shared by the stored end time,
// the teardown event and every departure record, so concurrent teardowns of
// different instances remain orderable. When returnToLobby is true, every
// member's group mapping is cleared, their departure is recorded on their
// assignment, and they are routed back to the lobby or on to the exit
// survey depending on their completed-instance count.
func (i *Instance) Teardown(ctx context.Context, returnToLobby bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	endedAt := i.mgr.clock()

	var rec types.InstanceRecord
	for {
		var (
			rev uint64
			err error
		)
		rec, rev, err = i.Record(ctx)
		if err != nil {
			return err
		}
		if rec.IsEnded() {
			return fmt.Errorf("teardown group %s: %w", i.groupID, types.ErrInstanceEnded)
		}

		rec.EndTime = endedAt
		_, err = putRecord(ctx, i.mgr.store, types.InstanceKey(i.groupID), rec, rev)
		if errors.Is(err, types.ErrRevisionMismatch) {
			continue
		}
		if err != nil {
			return err
		}

		break
	}

	i.mgr.sink.Emit(ctx, types.Event{
		Kind:      types.EventTeardown,
		Timestamp: endedAt,
		Payload: map[string]any{
			"group_id": i.groupID,
			"batch_id": rec.BatchID,
			"users":    rec.Users,
		},
	})
	if !rec.StartTime.IsZero() {
		i.mgr.metrics.RecordInstanceEnded(rec.BatchID, endedAt.Sub(rec.StartTime).Seconds())
	}
	i.mgr.logger.Info("instance ended", "group_id", i.groupID, "batch_id", rec.BatchID, "users", len(rec.Users))

	if !returnToLobby {
		return nil
	}

	for _, userID := range rec.Users {
		i.mgr.scopes.ClearUserGroup(userID)

		asst, _, err := i.mgr.AssignmentForUser(ctx, userID)
		if errors.Is(err, types.ErrAssignmentNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		updated, err := i.mgr.mutateAssignment(ctx, asst.AsstID, func(r *types.AssignmentRecord) bool {
			return r.RecordLeave(i.groupID, endedAt)
		})
		if err != nil {
			return err
		}

		if err := i.mgr.router.RouteAfterTeardown(ctx, rec.BatchID, userID, updated.Completed()); err != nil {
			return err
		}
	}

	return nil
}

// SendUserToLobby removes the user from this instance's scope, records the
// departure on their assignment (a no-op when they have none), and returns
// them to the owning batch's lobby.
func (i *Instance) SendUserToLobby(ctx context.Context, userID string) error {
	i.mgr.scopes.ClearUserGroup(userID)

	rec, _, err := i.Record(ctx)
	if err != nil {
		return err
	}

	asst, _, err := i.mgr.AssignmentForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrAssignmentNotFound) {
			return nil
		}

		return err
	}

	if _, err := i.mgr.mutateAssignment(ctx, asst.AsstID, func(r *types.AssignmentRecord) bool {
		return r.RecordLeave(i.groupID, i.mgr.clock())
	}); err != nil {
		return err
	}

	return i.mgr.router.SendToLobby(ctx, rec.BatchID, userID)
}
