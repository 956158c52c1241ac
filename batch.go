package turkserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amaatouq/turkserver/assigner"
	"github.com/amaatouq/turkserver/experiment"
	"github.com/amaatouq/turkserver/internal/events"
	"github.com/amaatouq/turkserver/internal/logging"
	"github.com/amaatouq/turkserver/internal/metrics"
	"github.com/amaatouq/turkserver/lobby"
	"github.com/amaatouq/turkserver/scope"
	"github.com/amaatouq/turkserver/types"
)

// Batch is the composition root for one experiment campaign.
//
// It owns the lobby, the experiment manager, the scope registry and the
// active assignment policy, and it is the routing target for participants
// leaving instances. All methods are safe for concurrent use.
type Batch struct {
	cfg        *Config
	store      types.Store
	logger     types.Logger
	metrics    types.MetricsCollector
	authorizer types.Authorizer

	scopes      *scope.Registry
	lobby       *lobby.Lobby
	experiments *experiment.Manager

	mu       sync.Mutex
	assigner assigner.Assigner
}

var _ experiment.UserRouter = (*Batch)(nil)

// NewBatch creates a batch over the given store.
//
// cfg may be nil for defaults; zero-valued fields are filled by SetDefaults
// and the result validated. The batch record is not persisted until Start.
func NewBatch(cfg *Config, store types.Store, opts ...Option) (*Batch, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, ErrStoreRequired
	}

	options := &batchOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = logging.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.NewNop()
	}
	if options.sink == nil {
		options.sink = events.NewNop()
	}
	if options.clock == nil {
		options.clock = time.Now
	}

	b := &Batch{
		cfg:        cfg,
		store:      store,
		logger:     options.logger,
		metrics:    options.metrics,
		authorizer: options.authorizer,
		scopes:     scope.NewRegistry(),
	}
	b.lobby = lobby.New(cfg.BatchID, options.logger, options.metrics)

	mgr, err := experiment.NewManager(store, b.scopes, b, options.logger, options.metrics, options.sink, options.clock)
	if err != nil {
		return nil, err
	}
	b.experiments = mgr

	return b, nil
}

// Start persists the batch record. The configuration is authoritative: a
// record left by a previous run is overwritten.
func (b *Batch) Start(ctx context.Context) error {
	data, err := json.Marshal(b.cfg.record())
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.cfg.BatchID, err)
	}
	if _, err := b.store.Put(ctx, types.BatchKey(b.cfg.BatchID), data); err != nil {
		return fmt.Errorf("persist batch %s: %w", b.cfg.BatchID, err)
	}
	b.logger.Info("batch started", "batch_id", b.cfg.BatchID, "grouping_mode", b.cfg.GroupingMode)

	return nil
}

// Stop detaches the active assigner. The batch record stays in the store.
func (b *Batch) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.assigner != nil {
		b.assigner.Detach()
		b.assigner = nil
	}
	b.logger.Info("batch stopped", "batch_id", b.cfg.BatchID)
}

// BatchID returns the batch's ID.
func (b *Batch) BatchID() string {
	return b.cfg.BatchID
}

// Record returns the batch's persisted form.
func (b *Batch) Record() types.BatchRecord {
	return b.cfg.record()
}

// Lobby returns the batch's lobby.
func (b *Batch) Lobby() *lobby.Lobby {
	return b.lobby
}

// Experiments returns the batch's experiment manager.
func (b *Batch) Experiments() *experiment.Manager {
	return b.experiments
}

// SetAssigner installs the assignment policy.
//
// The previous policy, if any, is detached from the lobby's signals first.
// The new policy attaches to the batch's environment, which is where it
// recovers persisted progress and subscribes to the signals it reacts to.
func (b *Batch) SetAssigner(ctx context.Context, a assigner.Assigner) error {
	if a == nil {
		return ErrAssignerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.assigner != nil {
		b.assigner.Detach()
		b.assigner = nil
	}

	env := &assigner.Env{
		Experiments: b.experiments,
		Lobby:       b.lobby,
		Batch:       b.cfg.record(),
		Logger:      b.logger,
		Metrics:     b.metrics,
	}
	if err := a.Attach(ctx, env); err != nil {
		return fmt.Errorf("attach assigner %s: %w", a.Name(), err)
	}
	b.assigner = a
	b.logger.Info("assigner installed", "batch_id", b.cfg.BatchID, "policy", a.Name())

	return nil
}

func (b *Batch) currentAssigner() assigner.Assigner {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.assigner
}

// HandleConnect processes a participant connection.
//
// The participant's assignment and worker records are ensured, then the
// installed policy decides where they go and the batch routes them there.
// A participant still mapped to a live instance rejoins it directly without
// consulting the policy.
func (b *Batch) HandleConnect(ctx context.Context, conn Connection) (assigner.Decision, error) {
	if !b.cfg.Active {
		return assigner.Decision{}, fmt.Errorf("batch %s: %w", b.cfg.BatchID, ErrBatchInactive)
	}
	if b.authorizer != nil && !b.authorizer.Authorize(ctx, "connect") {
		return assigner.Decision{}, types.NewAuthorizationError("connect")
	}

	asst, err := b.experiments.EnsureAssignment(ctx, b.cfg.BatchID, conn)
	if err != nil {
		return assigner.Decision{}, err
	}

	if inst, ok := b.liveInstanceFor(ctx, asst); ok {
		// Reconnect into the running experiment; admission is idempotent.
		err := inst.AddAssignment(ctx, asst)
		switch {
		case err == nil:
			b.logger.Debug("user rejoined instance", "user_id", conn.UserID, "group_id", inst.GroupID())

			return assigner.Decision{Instance: inst}, nil
		case !errors.Is(err, types.ErrInstanceEnded):
			return assigner.Decision{}, err
		}
		// Ended between the check and the admission; ask the policy.
	}

	a := b.currentAssigner()
	if a == nil {
		return assigner.Decision{}, fmt.Errorf("batch %s: %w", b.cfg.BatchID, ErrAssignerRequired)
	}

	dec, err := a.Assign(ctx, asst)
	if err != nil {
		return assigner.Decision{}, err
	}
	if err := b.route(ctx, conn.UserID, asst.WorkerID, dec); err != nil {
		return assigner.Decision{}, err
	}

	return dec, nil
}

// HandleReconnect processes a returning connection; semantics match
// HandleConnect, including the direct rejoin of a live instance.
func (b *Batch) HandleReconnect(ctx context.Context, conn Connection) (assigner.Decision, error) {
	return b.HandleConnect(ctx, conn)
}

// HandleDisconnect removes a departing participant from the lobby, if they
// were waiting there. Instance membership is untouched; participants resume
// running experiments on reconnect.
func (b *Batch) HandleDisconnect(userID string) {
	if b.lobby.RemoveUser(userID) {
		b.logger.Debug("disconnected user left lobby", "batch_id", b.cfg.BatchID, "user_id", userID)
	}
}

// liveInstanceFor resolves the instance the participant is currently mapped
// to, when that instance is still running. The scope registry is checked
// first; it does not survive a restart, so the stored assignment history is
// the fallback.
func (b *Batch) liveInstanceFor(ctx context.Context, asst *types.AssignmentRecord) (*experiment.Instance, bool) {
	groupID, ok := b.scopes.UserGroup(asst.UserID)
	if !ok {
		groupID, ok = asst.OpenInstance()
	}
	if !ok {
		return nil, false
	}
	inst, err := b.experiments.GetInstance(ctx, groupID)
	if err != nil {
		return nil, false
	}
	ended, err := inst.IsEnded(ctx)
	if err != nil || ended {
		return nil, false
	}

	return inst, true
}

// route applies a policy decision to the participant.
func (b *Batch) route(ctx context.Context, userID, workerID string, dec assigner.Decision) error {
	switch {
	case dec.Instance != nil:
		// Admission already set the scope mapping and worker state; a
		// participant previously waiting must leave the pool.
		b.lobby.RemoveUser(userID)
	case dec.ToExitSurvey:
		if err := b.experiments.SetWorkerState(ctx, workerID, types.WorkerExitSurvey); err != nil {
			return err
		}
	case dec.ToLobby:
		if err := b.experiments.SetWorkerState(ctx, workerID, types.WorkerLobby); err != nil {
			return err
		}
		b.lobby.AddUser(userID)
	}

	return nil
}

// SendToLobby implements experiment.UserRouter.
func (b *Batch) SendToLobby(ctx context.Context, _ string, userID string) error {
	if asst, _, err := b.experiments.AssignmentForUser(ctx, userID); err == nil {
		if err := b.experiments.SetWorkerState(ctx, asst.WorkerID, types.WorkerLobby); err != nil {
			return err
		}
	} else if !errors.Is(err, types.ErrAssignmentNotFound) {
		return err
	}
	b.lobby.AddUser(userID)

	return nil
}

// RouteAfterTeardown implements experiment.UserRouter: participants below
// the active policy's completion limit return to the lobby; the rest move to
// the exit survey.
func (b *Batch) RouteAfterTeardown(ctx context.Context, batchID, userID string, completed int) error {
	limit := 0
	if a := b.currentAssigner(); a != nil {
		limit = a.CompletedLimit()
	}
	if limit > 0 && completed >= limit {
		asst, _, err := b.experiments.AssignmentForUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := b.experiments.SetWorkerState(ctx, asst.WorkerID, types.WorkerExitSurvey); err != nil {
			return err
		}
		b.logger.Debug("user finished", "batch_id", batchID, "user_id", userID, "completed", completed)

		return nil
	}

	return b.SendToLobby(ctx, batchID, userID)
}
