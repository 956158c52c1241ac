package turkserver

import (
	"context"
	"testing"

	"github.com/amaatouq/turkserver/assigner"
	"github.com/amaatouq/turkserver/store/memory"
	"github.com/amaatouq/turkserver/types"
	"github.com/stretchr/testify/require"
)

// stubAssigner returns a fixed decision and records lifecycle calls.
type stubAssigner struct {
	dec      assigner.Decision
	limit    int
	attached bool
	detached bool
}

func (s *stubAssigner) Name() string { return "stub" }

func (s *stubAssigner) Attach(_ context.Context, _ *assigner.Env) error {
	s.attached = true

	return nil
}

func (s *stubAssigner) Detach() { s.detached = true }

func (s *stubAssigner) Assign(_ context.Context, _ *types.AssignmentRecord) (assigner.Decision, error) {
	return s.dec, nil
}

func (s *stubAssigner) CompletedLimit() int { return s.limit }

func newTestBatch(t *testing.T, cfg *Config, opts ...Option) *Batch {
	t.Helper()

	b, err := NewBatch(cfg, memory.New(), opts...)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	return b
}

func TestNewBatch(t *testing.T) {
	t.Run("requires a store", func(t *testing.T) {
		_, err := NewBatch(DefaultConfig(), nil)
		require.ErrorIs(t, err, ErrStoreRequired)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		cfg := &Config{GroupingMode: GroupingBySize} // missing group value
		_, err := NewBatch(cfg, memory.New())
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		b, err := NewBatch(nil, memory.New())
		require.NoError(t, err)
		require.Equal(t, DefaultBatchID, b.BatchID())
	})
}

func TestBatch_StartPersistsRecord(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.BatchID = "pilot"
	cfg.GroupingMode = GroupingBySize
	cfg.GroupValue = 4

	b := newTestBatch(t, cfg)

	rec, err := b.Experiments().BatchRecord(ctx, "pilot")
	require.NoError(t, err)
	require.True(t, rec.Active)
	require.Equal(t, GroupingBySize, rec.GroupingMode)
	require.Equal(t, 4, rec.GroupValue)
}

func TestBatch_SetAssigner(t *testing.T) {
	ctx := context.Background()
	b := newTestBatch(t, nil)

	require.ErrorIs(t, b.SetAssigner(ctx, nil), ErrAssignerRequired)

	first := &stubAssigner{}
	require.NoError(t, b.SetAssigner(ctx, first))
	require.True(t, first.attached)

	// Installing a replacement detaches the previous policy.
	second := &stubAssigner{}
	require.NoError(t, b.SetAssigner(ctx, second))
	require.True(t, first.detached)
	require.True(t, second.attached)
}

func TestBatch_HandleConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive batch rejects connections", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Active = false
		b := newTestBatch(t, cfg)

		_, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
		require.ErrorIs(t, err, ErrBatchInactive)
	})

	t.Run("requires an installed assigner", func(t *testing.T) {
		b := newTestBatch(t, nil)

		_, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
		require.ErrorIs(t, err, ErrAssignerRequired)
	})

	t.Run("denied by authorizer", func(t *testing.T) {
		deny := AuthorizerFunc(func(context.Context, string) bool { return false })
		b := newTestBatch(t, nil, WithAuthorizer(deny))

		_, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})

		var adminErr *types.AdminError
		require.ErrorAs(t, err, &adminErr)
		require.Equal(t, 403, adminErr.Code)
	})

	t.Run("admits through the policy", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.GroupingMode = GroupingBySize
		cfg.GroupValue = 2
		b := newTestBatch(t, cfg)
		require.NoError(t, b.SetAssigner(ctx, assigner.NewSequential()))

		dec, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
		require.NoError(t, err)
		require.NotNil(t, dec.Instance)

		state, err := b.Experiments().WorkerState(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, WorkerExperiment, state)
	})

	t.Run("routes a lobby decision", func(t *testing.T) {
		b := newTestBatch(t, nil)
		require.NoError(t, b.SetAssigner(ctx, &stubAssigner{dec: assigner.Decision{ToLobby: true}}))

		dec, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
		require.NoError(t, err)
		require.True(t, dec.ToLobby)
		require.True(t, b.Lobby().Contains("u1"))

		state, err := b.Experiments().WorkerState(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, WorkerLobby, state)
	})

	t.Run("routes an exit survey decision", func(t *testing.T) {
		b := newTestBatch(t, nil)
		require.NoError(t, b.SetAssigner(ctx, &stubAssigner{dec: assigner.Decision{ToExitSurvey: true}}))

		_, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
		require.NoError(t, err)

		state, err := b.Experiments().WorkerState(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, WorkerExitSurvey, state)
	})
}

func TestBatch_ReconnectRejoinsLiveInstance(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.GroupingMode = GroupingBySize
	cfg.GroupValue = 4
	b := newTestBatch(t, cfg)
	require.NoError(t, b.SetAssigner(ctx, assigner.NewSequential()))

	first, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, first.Instance)

	again, err := b.HandleReconnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, again.Instance)
	require.Equal(t, first.Instance.GroupID(), again.Instance.GroupID())

	// Membership did not grow.
	users, err := again.Instance.Users(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, users)
}

func TestBatch_ReconnectAfterRestartRejoinsOpenInstance(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := DefaultConfig()
	cfg.GroupingMode = GroupingBySize
	cfg.GroupValue = 4

	b, err := NewBatch(cfg, store)
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.SetAssigner(ctx, assigner.NewSequential()))

	first, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, first.Instance)
	b.Stop()

	// A fresh process has an empty scope registry; the stored assignment
	// history still points at the open instance. The installed policy would
	// park the user in the lobby, so only the rejoin path can admit them.
	restarted, err := NewBatch(cfg, store)
	require.NoError(t, err)
	require.NoError(t, restarted.Start(ctx))
	require.NoError(t, restarted.SetAssigner(ctx, &stubAssigner{dec: assigner.Decision{ToLobby: true}}))
	defer restarted.Stop()

	again, err := restarted.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, again.Instance)
	require.Equal(t, first.Instance.GroupID(), again.Instance.GroupID())
	require.False(t, restarted.Lobby().Contains("u1"))

	users, err := again.Instance.Users(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, users)
}

func TestBatch_TeardownRoutesThroughBatch(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.GroupingMode = GroupingBySize
	cfg.GroupValue = 4
	b := newTestBatch(t, cfg)
	require.NoError(t, b.SetAssigner(ctx, assigner.NewSequential()))

	dec, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, dec.Instance)

	require.NoError(t, dec.Instance.Teardown(ctx, true))

	// Sequential has no completion limit, so the member returns to the lobby.
	require.True(t, b.Lobby().Contains("u1"))
	state, err := b.Experiments().WorkerState(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, WorkerLobby, state)
}

func TestBatch_HandleDisconnect(t *testing.T) {
	ctx := context.Background()
	b := newTestBatch(t, nil)
	require.NoError(t, b.SetAssigner(ctx, &stubAssigner{dec: assigner.Decision{ToLobby: true}}))

	_, err := b.HandleConnect(ctx, Connection{UserID: "u1", WorkerID: "w1"})
	require.NoError(t, err)
	require.True(t, b.Lobby().Contains("u1"))

	b.HandleDisconnect("u1")
	require.False(t, b.Lobby().Contains("u1"))
}
