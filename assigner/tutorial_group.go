package assigner

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/amaatouq/turkserver/experiment"
	"github.com/amaatouq/turkserver/lobby"
	"github.com/amaatouq/turkserver/types"
)

// tutorialCompletedLimit routes participants to the exit survey after the
// tutorial and one group experiment.
const tutorialCompletedLimit = 2

// TutorialGroup sends every newcomer through a shared tutorial instance,
// holds tutorial graduates in the lobby, and on the auto-assign signal moves
// every graduate into one fresh group instance.
//
// A graduate is a lobby participant whose assignment history holds exactly
// the tutorial. After the tutorial and one group experiment the participant
// is done and goes to the exit survey.
type TutorialGroup struct {
	base

	tutorial        tutorialStage
	groupTreatments []string

	mu sync.Mutex // serializes auto-assign grouping
}

var _ Assigner = (*TutorialGroup)(nil)

// NewTutorialGroup creates the tutorial-then-group policy. tutorialTreatments
// tag the shared tutorial instance, groupTreatments the group instances built
// on each auto-assign signal.
func NewTutorialGroup(tutorialTreatments, groupTreatments []string) *TutorialGroup {
	return &TutorialGroup{
		tutorial:        tutorialStage{treatments: slices.Clone(tutorialTreatments)},
		groupTreatments: slices.Clone(groupTreatments),
	}
}

// Name implements Assigner.
func (a *TutorialGroup) Name() string {
	return "tutorial-group"
}

// CompletedLimit implements Assigner.
func (a *TutorialGroup) CompletedLimit() int {
	return tutorialCompletedLimit
}

// Attach implements Assigner: re-adopts an open tutorial instance from the
// store and subscribes to the auto-assign signal.
func (a *TutorialGroup) Attach(ctx context.Context, env *Env) error {
	if err := a.attach(env); err != nil {
		return err
	}
	if err := a.tutorial.recover(ctx, env); err != nil {
		return err
	}
	a.subscribe(lobby.SignalAutoAssign, a.onAutoAssign)

	return nil
}

// AutoAssign reports whether arrivals are currently gated on the auto-assign
// signal: false while a reusable tutorial instance is open, true once none
// is.
func (a *TutorialGroup) AutoAssign(ctx context.Context) (bool, error) {
	open, err := a.tutorial.open(ctx)
	if err != nil {
		return false, err
	}

	return !open, nil
}

// Assign implements Assigner.
func (a *TutorialGroup) Assign(ctx context.Context, asst *types.AssignmentRecord) (Decision, error) {
	// A participant still inside a running instance rejoins it; their stored
	// history, not in-memory state, decides this so restarts cannot promote a
	// mid-tutorial participant to graduate.
	if dec, ok, err := rejoinOpen(ctx, a.env, asst); err != nil || ok {
		return dec, err
	}

	switch {
	case asst.Completed() >= a.CompletedLimit():
		return Decision{ToExitSurvey: true}, nil
	case len(asst.Instances) == 0:
		inst, err := a.tutorial.admit(ctx, a.env, asst)
		if err != nil {
			return Decision{}, err
		}
		a.env.Metrics.RecordAssignment(a.Name())

		return Decision{Instance: inst}, nil
	default:
		// Tutorial done; wait in the lobby for the auto-assign signal.
		return Decision{ToLobby: true}, nil
	}
}

// onAutoAssign moves every tutorial graduate waiting in the lobby into one
// fresh group instance.
func (a *TutorialGroup) onAutoAssign(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	env := a.env
	var group *experiment.Instance
	for _, userID := range env.Lobby.Users() {
		asst, _, err := env.Experiments.AssignmentForUser(ctx, userID)
		if err != nil {
			if !errors.Is(err, types.ErrAssignmentNotFound) {
				env.Logger.Warn("auto-assign skipped user", "user_id", userID, "error", err)
			}

			continue
		}
		if _, open := asst.OpenInstance(); open || asst.Completed() != 1 {
			continue // mid-instance, or not a tutorial graduate
		}

		if group == nil {
			inst, err := env.Experiments.CreateInstance(ctx, env.Batch.BatchID, "", a.groupTreatments, false)
			if err != nil {
				env.Logger.Error("auto-assign could not create group instance", "batch_id", env.Batch.BatchID, "error", err)

				return
			}
			if err := inst.Setup(ctx); err != nil {
				env.Logger.Error("auto-assign could not set up group instance", "group_id", inst.GroupID(), "error", err)

				return
			}
			group = inst
		}

		if err := group.AddAssignment(ctx, asst); err != nil {
			env.Logger.Warn("auto-assign could not admit user", "user_id", userID, "group_id", group.GroupID(), "error", err)

			continue
		}
		env.Lobby.RemoveUser(userID)
		env.Metrics.RecordAssignment(a.Name())
	}

	if group != nil {
		env.Logger.Info("auto-assign grouped lobby users", "group_id", group.GroupID())
	}
}
