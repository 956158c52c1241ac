package experiment

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amaatouq/turkserver/scope"
	"github.com/amaatouq/turkserver/store/memory"
	"github.com/amaatouq/turkserver/types"
	"github.com/stretchr/testify/require"
)

// testRouter records routing decisions instead of touching a real lobby.
type testRouter struct {
	mu    sync.Mutex
	limit int
	lobby []string
	exits []string
}

func (r *testRouter) SendToLobby(_ context.Context, _, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lobby = append(r.lobby, userID)

	return nil
}

func (r *testRouter) RouteAfterTeardown(ctx context.Context, batchID, userID string, completed int) error {
	if r.limit > 0 && completed >= r.limit {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.exits = append(r.exits, userID)

		return nil
	}

	return r.SendToLobby(ctx, batchID, userID)
}

// recordSink captures emitted events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *recordSink) Emit(_ context.Context, event types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordSink) byKind(kind string) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}

	return out
}

// fakeClock is a settable clock for duration assertions.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	mgr    *Manager
	store  *memory.Store
	router *testRouter
	sink   *recordSink
	clock  *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:  memory.New(),
		router: &testRouter{limit: 2},
		sink:   &recordSink{},
		clock:  newFakeClock(),
	}

	mgr, err := NewManager(env.store, scope.NewRegistry(), env.router, nil, nil, env.sink, env.clock.Now)
	require.NoError(t, err)
	env.mgr = mgr

	return env
}

func (e *testEnv) newAssignment(t *testing.T, userID, workerID string) *types.AssignmentRecord {
	t.Helper()

	asst, err := e.mgr.EnsureAssignment(context.Background(), "b1", types.Connection{
		UserID:   userID,
		WorkerID: workerID,
	})
	require.NoError(t, err)

	return asst
}

func TestNewManager(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewManager(nil, scope.NewRegistry(), &testRouter{}, nil, nil, nil, nil)
		require.ErrorIs(t, err, types.ErrStoreRequired)
	})

	t.Run("requires router", func(t *testing.T) {
		_, err := NewManager(memory.New(), scope.NewRegistry(), nil, nil, nil, nil, nil)
		require.Error(t, err)
	})
}

func TestManager_GetInstance(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown group fails with not found", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.mgr.GetInstance(ctx, "missing")
		require.ErrorIs(t, err, types.ErrGroupNotFound)
	})

	t.Run("repeated gets return the same identity", func(t *testing.T) {
		env := newTestEnv(t)

		created, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, false)
		require.NoError(t, err)

		got, err := env.mgr.GetInstance(ctx, "g1")
		require.NoError(t, err)
		require.Same(t, created, got)

		again, err := env.mgr.GetInstance(ctx, "g1")
		require.NoError(t, err)
		require.Same(t, created, again)
	})

	t.Run("concurrent first access yields one identity", func(t *testing.T) {
		env := newTestEnv(t)

		// Create the record through a second manager so this manager's
		// registry has never seen the group.
		other, err := NewManager(env.store, scope.NewRegistry(), env.router, nil, nil, nil, env.clock.Now)
		require.NoError(t, err)
		_, err = other.CreateInstance(ctx, "b1", "g1", nil, false)
		require.NoError(t, err)

		const n = 64
		instances := make([]*Instance, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inst, err := env.mgr.GetInstance(ctx, "g1")
				require.NoError(t, err)
				instances[i] = inst
			}()
		}
		wg.Wait()

		for _, inst := range instances {
			require.Same(t, instances[0], inst)
		}
	})

	t.Run("duplicate creation fails with state error", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, false)
		require.NoError(t, err)

		_, err = env.mgr.CreateInstance(ctx, "b1", "g1", nil, false)
		require.ErrorIs(t, err, types.ErrInstanceExists)
	})
}

func TestManager_ListByBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.mgr.CreateInstance(ctx, "b1", "g2", nil, true)
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	_, err = env.mgr.CreateInstance(ctx, "other", "g3", nil, true)
	require.NoError(t, err)

	records, err := env.mgr.ListByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "g1", records[0].GroupID)
	require.Equal(t, "g2", records[1].GroupID)
}

func TestManager_EnsureAssignment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	asst := env.newAssignment(t, "u1", "w1")
	require.NotEmpty(t, asst.AsstID)
	require.Equal(t, types.AssignmentAssigned, asst.Status)

	// Second connect for the same user reuses the record.
	again, err := env.mgr.EnsureAssignment(ctx, "b1", types.Connection{UserID: "u1", WorkerID: "w1"})
	require.NoError(t, err)
	require.Equal(t, asst.AsstID, again.AsstID)

	state, err := env.mgr.WorkerState(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerUnassigned, state)
}

// raceStore makes a concurrent winner appear between a caller's assignment
// record write and its user-index creation, forcing the index race.
type raceStore struct {
	types.Store
	winner types.AssignmentRecord
	once   sync.Once
}

func (s *raceStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if strings.HasPrefix(key, types.UserAsstKeyPrefix) {
		s.once.Do(func() {
			data, _ := json.Marshal(s.winner)
			_, _ = s.Store.Put(ctx, types.AssignmentKey(s.winner.AsstID), data)
			_, _ = s.Store.Put(ctx, key, []byte(s.winner.AsstID))
		})
	}

	return s.Store.Create(ctx, key, value)
}

func TestManager_EnsureAssignment_ConvergesOnIndexRace(t *testing.T) {
	ctx := context.Background()
	winner := types.AssignmentRecord{
		AsstID:   "winner",
		WorkerID: "w1",
		UserID:   "u1",
		BatchID:  "b1",
		Status:   types.AssignmentAssigned,
	}
	store := &raceStore{Store: memory.New(), winner: winner}
	mgr, err := NewManager(store, scope.NewRegistry(), &testRouter{}, nil, nil, nil, nil)
	require.NoError(t, err)

	// The loser of the index race must return the winner's record, never a
	// transient not-found.
	asst, err := mgr.EnsureAssignment(ctx, "b1", types.Connection{UserID: "u1", WorkerID: "w1"})
	require.NoError(t, err)
	require.Equal(t, "winner", asst.AsstID)

	// The loser's provisional record was dropped.
	keys, err := store.Keys(ctx, types.AssignmentKeyPrefix)
	require.NoError(t, err)
	require.Equal(t, []string{types.AssignmentKey("winner")}, keys)
}

func TestManager_SetWorkerState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	require.NoError(t, env.mgr.SetWorkerState(ctx, "w1", types.WorkerLobby))
	state, err := env.mgr.WorkerState(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerLobby, state)

	// Exit survey is terminal.
	require.NoError(t, env.mgr.SetWorkerState(ctx, "w1", types.WorkerExitSurvey))
	require.NoError(t, env.mgr.SetWorkerState(ctx, "w1", types.WorkerLobby))
	state, err = env.mgr.WorkerState(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkerExitSurvey, state)
}
