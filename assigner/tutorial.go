package assigner

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/amaatouq/turkserver/experiment"
	"github.com/amaatouq/turkserver/types"
	"github.com/google/uuid"
)

// tutorialStage manages the shared tutorial instance both tutorial policies
// put newcomers through. One open tutorial instance is reused until it ends;
// the next newcomer after that gets a fresh one.
type tutorialStage struct {
	treatments []string

	mu      sync.Mutex
	current *experiment.Instance
}

func tutorialGroupID(batchID string) string {
	return batchID + "-tutorial-" + uuid.NewString()
}

func isTutorialGroupID(batchID, groupID string) bool {
	return strings.HasPrefix(groupID, batchID+"-tutorial-")
}

// recover re-adopts an open tutorial instance left behind by a previous
// process, if any.
func (s *tutorialStage) recover(ctx context.Context, env *Env) error {
	records, err := env.Experiments.ListByBatch(ctx, env.Batch.BatchID)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.IsEnded() || !isTutorialGroupID(env.Batch.BatchID, rec.GroupID) {
			continue
		}
		inst, err := env.Experiments.GetInstance(ctx, rec.GroupID)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.current = inst
		s.mu.Unlock()
		env.Logger.Info("resumed open tutorial instance", "batch_id", env.Batch.BatchID, "group_id", rec.GroupID)

		return nil
	}

	return nil
}

// open reports whether a reusable tutorial instance is currently active.
func (s *tutorialStage) open(ctx context.Context) (bool, error) {
	s.mu.Lock()
	inst := s.current
	s.mu.Unlock()

	if inst == nil {
		return false, nil
	}
	ended, err := inst.IsEnded(ctx)
	if err != nil {
		return false, err
	}

	return !ended, nil
}

// admit puts the participant into the open tutorial instance, creating a
// fresh one when none is open.
func (s *tutorialStage) admit(ctx context.Context, env *Env, asst *types.AssignmentRecord) (*experiment.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.current == nil {
			inst, err := env.Experiments.CreateInstance(ctx, env.Batch.BatchID, tutorialGroupID(env.Batch.BatchID), s.treatments, false)
			if err != nil {
				return nil, err
			}
			if err := inst.Setup(ctx); err != nil {
				return nil, err
			}
			s.current = inst
		}

		err := s.current.AddAssignment(ctx, asst)
		if errors.Is(err, types.ErrInstanceEnded) {
			s.current = nil // torn down underneath us, open a fresh one

			continue
		}
		if err != nil {
			return nil, err
		}

		return s.current, nil
	}
}
