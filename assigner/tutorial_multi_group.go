package assigner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/amaatouq/turkserver/experiment"
	"github.com/amaatouq/turkserver/lobby"
	"github.com/amaatouq/turkserver/types"
)

// TutorialMultiGroup sends every newcomer through a shared tutorial
// instance, then walks tutorial graduates through an ordered sequence of
// sized group stages: graduates fill the current stage's instance until it
// reaches its configured size, then the next stage opens. A stage with size
// zero absorbs everyone and never advances. Graduates arriving after the
// last stage has filled wait in the lobby.
//
// Stage instances have deterministic IDs derived from the batch and stage
// index, so progress survives a process restart: Attach rescans the stored
// instances and resumes at the first stage that is missing, open, or
// absorbing.
type TutorialMultiGroup struct {
	base

	tutorial tutorialStage
	configs  []types.GroupConfig

	mu       sync.Mutex
	group    int // index into configs; -1 before the first stage opens
	instance *experiment.Instance
	filled   int
}

var _ Assigner = (*TutorialMultiGroup)(nil)

// NewTutorialMultiGroup creates the tutorial-then-staged-groups policy.
// configs is consumed in order; each entry sizes and tags one stage.
func NewTutorialMultiGroup(tutorialTreatments []string, configs []types.GroupConfig) *TutorialMultiGroup {
	return &TutorialMultiGroup{
		tutorial: tutorialStage{treatments: slices.Clone(tutorialTreatments)},
		configs:  slices.Clone(configs),
		group:    -1,
	}
}

// GroupInstanceID returns the deterministic instance ID of a multi-group
// stage. Restarted processes and concurrent creators converge on the same
// instance through it.
func GroupInstanceID(batchID string, index int) string {
	return fmt.Sprintf("%s-group-%d", batchID, index)
}

// Name implements Assigner.
func (a *TutorialMultiGroup) Name() string {
	return "tutorial-multi-group"
}

// CompletedLimit implements Assigner.
func (a *TutorialMultiGroup) CompletedLimit() int {
	return tutorialCompletedLimit
}

// Attach implements Assigner: recovers the tutorial and stage progress from
// stored instance records and subscribes to the auto-assign and
// reset-multi-groups signals.
func (a *TutorialMultiGroup) Attach(ctx context.Context, env *Env) error {
	if err := a.attach(env); err != nil {
		return err
	}
	if err := a.tutorial.recover(ctx, env); err != nil {
		return err
	}
	if err := a.recover(ctx); err != nil {
		return err
	}
	a.subscribe(lobby.SignalAutoAssign, a.onAutoAssign)
	a.subscribe(lobby.SignalResetMultiGroups, a.onReset)

	return nil
}

// recover rebuilds (group, instance, filled) from the store so a restarted
// process continues exactly where the previous one stopped.
func (a *TutorialMultiGroup) recover(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.group, a.instance, a.filled = -1, nil, 0
	for i, cfg := range a.configs {
		inst, err := a.env.Experiments.GetInstance(ctx, GroupInstanceID(a.env.Batch.BatchID, i))
		if errors.Is(err, types.ErrGroupNotFound) {
			break // later stages cannot exist without this one
		}
		if err != nil {
			return err
		}
		rec, _, err := inst.Record(ctx)
		if err != nil {
			return err
		}

		if !rec.IsEnded() && (cfg.Absorbing() || len(rec.Users) < cfg.Size) {
			a.group, a.instance, a.filled = i, inst, len(rec.Users)
			a.env.Logger.Info("resumed multi-group progress",
				"batch_id", a.env.Batch.BatchID, "group", i, "filled", a.filled)

			return nil
		}

		// Stage consumed (full or ended); progress points past it.
		a.group = i + 1
	}

	if a.group >= 0 {
		a.env.Logger.Info("resumed multi-group progress",
			"batch_id", a.env.Batch.BatchID, "group", a.group, "filled", 0)
	}

	return nil
}

// Progress returns the current stage index and how many participants the
// stage's instance holds. The index is -1 before the first stage opens and
// len(configs) once the sequence is exhausted.
func (a *TutorialMultiGroup) Progress() (group, filled int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.group, a.filled
}

// Assign implements Assigner.
func (a *TutorialMultiGroup) Assign(ctx context.Context, asst *types.AssignmentRecord) (Decision, error) {
	// A participant still inside a running instance rejoins it; their stored
	// history, not in-memory state, decides this so restarts cannot promote a
	// mid-tutorial participant into the stage sequence.
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
		return a.admit(ctx, asst)
	}
}

// admit places a tutorial graduate into the current stage, advancing through
// the configured sequence as stages fill or end. The capacity check rides on
// the instance record's compare-and-set, so concurrent admissions never push
// a stage past its size.
func (a *TutorialMultiGroup) admit(ctx context.Context, asst *types.AssignmentRecord) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	env := a.env
	for {
		if a.group < 0 {
			a.group = 0
		}
		if a.group >= len(a.configs) {
			env.Logger.Warn("multi-group sequence exhausted",
				"batch_id", env.Batch.BatchID, "user_id", asst.UserID)

			return Decision{ToLobby: true}, nil
		}

		cfg := a.configs[a.group]
		if a.instance == nil {
			groupID := GroupInstanceID(env.Batch.BatchID, a.group)
			inst, err := env.Experiments.CreateInstance(ctx, env.Batch.BatchID, groupID, cfg.Treatments, false)
			switch {
			case err == nil:
				if err := inst.Setup(ctx); err != nil {
					return Decision{}, err
				}
			case errors.Is(err, types.ErrInstanceExists):
				// Left behind by a previous run or created by a peer.
				if inst, err = env.Experiments.GetInstance(ctx, groupID); err != nil {
					return Decision{}, err
				}
			default:
				return Decision{}, err
			}

			rec, _, err := inst.Record(ctx)
			if err != nil {
				return Decision{}, err
			}
			a.instance, a.filled = inst, len(rec.Users)
		}

		if !cfg.Absorbing() && a.filled >= cfg.Size {
			a.advance()

			continue
		}

		err := a.instance.AddAssignmentCapped(ctx, asst, cfg.Size)
		if errors.Is(err, types.ErrInstanceFull) || errors.Is(err, types.ErrInstanceEnded) {
			a.advance()

			continue
		}
		if err != nil {
			return Decision{}, err
		}

		inst := a.instance
		users, err := inst.Users(ctx)
		if err != nil {
			return Decision{}, err
		}
		a.filled = len(users)
		if !cfg.Absorbing() && a.filled >= cfg.Size {
			a.advance()
		}
		env.Metrics.RecordAssignment(a.Name())

		return Decision{Instance: inst}, nil
	}
}

func (a *TutorialMultiGroup) advance() {
	a.group++
	a.instance = nil
	a.filled = 0
}

// onAutoAssign moves tutorial graduates waiting in the lobby into the stage
// sequence.
func (a *TutorialMultiGroup) onAutoAssign(ctx context.Context) {
	env := a.env
	for _, userID := range env.Lobby.Users() {
		asst, _, err := env.Experiments.AssignmentForUser(ctx, userID)
		if err != nil {
			if !errors.Is(err, types.ErrAssignmentNotFound) {
				env.Logger.Warn("auto-assign skipped user", "user_id", userID, "error", err)
			}

			continue
		}
		if _, open := asst.OpenInstance(); open || asst.Completed() != 1 {
			continue
		}

		dec, err := a.admit(ctx, asst)
		if err != nil {
			env.Logger.Warn("auto-assign could not admit user", "user_id", userID, "error", err)

			continue
		}
		if dec.Instance != nil {
			env.Lobby.RemoveUser(userID)
		}
	}
}

// onReset discards stage progress; the next admission rescans the sequence
// from the first stage.
func (a *TutorialMultiGroup) onReset(context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.group, a.instance, a.filled = -1, nil, 0
	a.env.Logger.Info("multi-group progress reset", "batch_id", a.env.Batch.BatchID)
}
