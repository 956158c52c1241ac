package assigner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/amaatouq/turkserver/types"
)

// Sequential fills assignable instances in creation order.
//
// Each participant goes into the earliest-created assignable instance with
// room; when every instance is full (or none exists) a new assignable
// instance is created with the batch's treatments. Capacity comes from the
// batch's group value under the group-size mode; other modes leave instances
// uncapped.
type Sequential struct {
	base

	mu sync.Mutex
}

var _ Assigner = (*Sequential)(nil)

// NewSequential creates the sequential fill policy.
func NewSequential() *Sequential {
	return &Sequential{}
}

// Name implements Assigner.
func (a *Sequential) Name() string {
	return "sequential"
}

// CompletedLimit implements Assigner. Sequential imposes no limit.
func (a *Sequential) CompletedLimit() int {
	return 0
}

// Attach implements Assigner. Sequential keeps no in-memory progress and
// subscribes to no signals; its state is entirely the stored instance set.
func (a *Sequential) Attach(_ context.Context, env *Env) error {
	return a.attach(env)
}

// Assign implements Assigner.
func (a *Sequential) Assign(ctx context.Context, asst *types.AssignmentRecord) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	capacity := 0
	if a.env.Batch.GroupingMode == types.GroupingBySize {
		capacity = a.env.Batch.GroupValue
	}

	records, err := a.env.Experiments.ListByBatch(ctx, a.env.Batch.BatchID)
	if err != nil {
		return Decision{}, err
	}

	for _, rec := range records {
		if !rec.Assignable || rec.IsEnded() {
			continue
		}
		if capacity > 0 && len(rec.Users) >= capacity {
			continue
		}

		inst, err := a.env.Experiments.GetInstance(ctx, rec.GroupID)
		if err != nil {
			return Decision{}, err
		}

		err = inst.AddAssignmentCapped(ctx, asst, capacity)
		if errors.Is(err, types.ErrInstanceEnded) || errors.Is(err, types.ErrInstanceFull) {
			continue // filled or closed since the listing, try the next one
		}
		if err != nil {
			return Decision{}, err
		}

		a.env.Metrics.RecordAssignment(a.Name())

		return Decision{Instance: inst}, nil
	}

	inst, err := a.env.Experiments.CreateInstance(ctx, a.env.Batch.BatchID, "", a.env.Batch.TreatmentIDs, true)
	if err != nil {
		return Decision{}, fmt.Errorf("create next instance: %w", err)
	}
	if err := inst.Setup(ctx); err != nil {
		return Decision{}, err
	}
	if err := inst.AddAssignmentCapped(ctx, asst, capacity); err != nil {
		return Decision{}, err
	}

	a.env.Metrics.RecordAssignment(a.Name())
	a.env.Logger.Info("opened new instance", "policy", a.Name(), "group_id", inst.GroupID())

	return Decision{Instance: inst}, nil
}
