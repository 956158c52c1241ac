package assigner

import (
	"context"
	"errors"

	"github.com/amaatouq/turkserver/experiment"
	"github.com/amaatouq/turkserver/internal/logging"
	"github.com/amaatouq/turkserver/internal/metrics"
	"github.com/amaatouq/turkserver/lobby"
	"github.com/amaatouq/turkserver/types"
)

// Decision is the outcome of one assignment request. Exactly one field is
// meaningful: the instance the participant was admitted into, or one of the
// two routing flags.
type Decision struct {
	// Instance is the experiment instance the participant joined.
	Instance *experiment.Instance

	// ToLobby sends the participant to the batch lobby to wait.
	ToLobby bool

	// ToExitSurvey sends the participant to the exit survey.
	ToExitSurvey bool
}

// Env is the runtime environment a policy operates in, supplied at
// attachment by the owning batch.
type Env struct {
	// Experiments manages instance, assignment and worker records.
	Experiments *experiment.Manager

	// Lobby is the batch's holding pool and signal bus.
	Lobby *lobby.Lobby

	// Batch is the owning batch's stored configuration.
	Batch types.BatchRecord

	// Logger receives policy decisions. Nil falls back to a no-op logger.
	Logger types.Logger

	// Metrics receives assignment counts. Nil falls back to a no-op collector.
	Metrics types.MetricsCollector
}

// Assigner is an assignment policy.
//
// Implementations must be safe for concurrent Assign calls; connections
// arrive in parallel.
type Assigner interface {
	// Name identifies the policy in logs and metrics.
	Name() string

	// Attach binds the policy to its environment, recovers any persisted
	// progress from stored instance records, and subscribes to the lobby
	// signals the policy reacts to.
	Attach(ctx context.Context, env *Env) error

	// Detach unsubscribes the policy from its lobby signals. A detached
	// policy must not be used again without a new Attach.
	Detach()

	// Assign decides where the participant goes. asst is the participant's
	// current assignment record; on admission it is updated in place to
	// reflect the stored record.
	Assign(ctx context.Context, asst *types.AssignmentRecord) (Decision, error)

	// CompletedLimit is the number of completed instances after which a
	// participant is routed to the exit survey instead of back to the lobby.
	// Zero means no limit.
	CompletedLimit() int
}

// rejoinOpen readmits a participant whose assignment history holds an open
// join into that instance, when it is still running. The stored history is
// the source of truth here: in-memory mappings do not survive a process
// restart, and a participant still inside an instance must never be treated
// as a graduate of it.
func rejoinOpen(ctx context.Context, env *Env, asst *types.AssignmentRecord) (Decision, bool, error) {
	groupID, open := asst.OpenInstance()
	if !open {
		return Decision{}, false, nil
	}

	inst, err := env.Experiments.GetInstance(ctx, groupID)
	if errors.Is(err, types.ErrGroupNotFound) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}

	err = inst.AddAssignment(ctx, asst)
	switch {
	case err == nil:
		env.Logger.Debug("participant rejoined open instance",
			"user_id", asst.UserID, "group_id", groupID)

		return Decision{Instance: inst}, true, nil
	case errors.Is(err, types.ErrInstanceEnded):
		// Ended without recording the departure; let the policy decide.
		return Decision{}, false, nil
	default:
		return Decision{}, false, err
	}
}

// base carries the attachment plumbing shared by the built-in policies.
type base struct {
	env    *Env
	unsubs []func()
}

func (b *base) attach(env *Env) error {
	if env == nil {
		return errors.New("assigner environment is required")
	}
	if env.Experiments == nil {
		return errors.New("experiment manager is required")
	}
	if env.Lobby == nil {
		return errors.New("lobby is required")
	}
	if env.Logger == nil {
		env.Logger = logging.NewNop()
	}
	if env.Metrics == nil {
		env.Metrics = metrics.NewNop()
	}
	b.env = env

	return nil
}

func (b *base) subscribe(signal string, fn lobby.Handler) {
	b.unsubs = append(b.unsubs, b.env.Lobby.Subscribe(signal, fn))
}

// Detach removes every lobby subscription the policy holds.
func (b *base) Detach() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}
