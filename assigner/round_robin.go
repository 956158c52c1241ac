package assigner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/amaatouq/turkserver/experiment"
	"github.com/amaatouq/turkserver/types"
)

// RoundRobin balances participants across the batch's fixed instance set.
//
// Each participant joins the configured instance with the fewest members,
// ties broken by configuration order. The policy never creates instances;
// a batch with no configured instances fails every assignment with
// ErrNoInstancesConfigured.
type RoundRobin struct {
	base

	mu sync.Mutex
}

var _ Assigner = (*RoundRobin)(nil)

// NewRoundRobin creates the balanced-fill policy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Name implements Assigner.
func (a *RoundRobin) Name() string {
	return "round-robin"
}

// CompletedLimit implements Assigner. RoundRobin imposes no limit.
func (a *RoundRobin) CompletedLimit() int {
	return 0
}

// Attach implements Assigner.
func (a *RoundRobin) Attach(_ context.Context, env *Env) error {
	return a.attach(env)
}

// Assign implements Assigner.
func (a *RoundRobin) Assign(ctx context.Context, asst *types.AssignmentRecord) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := a.env.Batch.ExperimentIDs
	if len(ids) == 0 {
		return Decision{}, fmt.Errorf("batch %s: %w", a.env.Batch.BatchID, types.ErrNoInstancesConfigured)
	}

	for {
		var (
			best      *experiment.Instance
			bestCount = -1
		)
		for _, groupID := range ids {
			inst, err := a.env.Experiments.GetInstance(ctx, groupID)
			if err != nil {
				return Decision{}, err
			}
			rec, _, err := inst.Record(ctx)
			if err != nil {
				return Decision{}, err
			}
			if rec.IsEnded() {
				continue
			}
			if bestCount == -1 || len(rec.Users) < bestCount {
				best, bestCount = inst, len(rec.Users)
			}
		}
		if best == nil {
			// Every configured instance has ended; hold the participant.
			a.env.Logger.Warn("all configured instances ended", "policy", a.Name(), "batch_id", a.env.Batch.BatchID)

			return Decision{ToLobby: true}, nil
		}

		err := best.AddAssignment(ctx, asst)
		if errors.Is(err, types.ErrInstanceEnded) {
			continue // ended between the scan and the add, rescan
		}
		if err != nil {
			return Decision{}, err
		}

		a.env.Metrics.RecordAssignment(a.Name())

		return Decision{Instance: best}, nil
	}
}
