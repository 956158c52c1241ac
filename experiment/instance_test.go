package experiment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amaatouq/turkserver/scope"
	"github.com/amaatouq/turkserver/types"
	"github.com/stretchr/testify/require"
)

func TestInstance_AddAssignment(t *testing.T) {
	ctx := context.Background()

	t.Run("admits the participant", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
		require.NoError(t, err)

		asst := env.newAssignment(t, "u1", "w1")
		require.NoError(t, inst.AddAssignment(ctx, asst))

		users, err := inst.Users(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"u1"}, users)

		groupID, ok := env.mgr.Scopes().UserGroup("u1")
		require.True(t, ok)
		require.Equal(t, "g1", groupID)

		state, err := env.mgr.WorkerState(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, types.WorkerExperiment, state)

		require.Len(t, asst.Instances, 1)
		require.Equal(t, "g1", asst.Instances[0].GroupID)
		require.True(t, asst.Instances[0].LeaveTime.IsZero())
	})

	t.Run("first join sets start time exactly once", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
		require.NoError(t, err)

		first := env.clock.Now()
		require.NoError(t, inst.AddAssignment(ctx, env.newAssignment(t, "u1", "w1")))

		env.clock.Advance(time.Minute)
		require.NoError(t, inst.AddAssignment(ctx, env.newAssignment(t, "u2", "w2")))

		rec, _, err := inst.Record(ctx)
		require.NoError(t, err)
		require.True(t, rec.StartTime.Equal(first))
	})

	t.Run("duplicate admission is a no-op", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
		require.NoError(t, err)

		asst := env.newAssignment(t, "u1", "w1")
		require.NoError(t, inst.AddAssignment(ctx, asst))
		require.NoError(t, inst.AddAssignment(ctx, asst))

		users, err := inst.Users(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"u1"}, users)
		require.Len(t, asst.Instances, 1)
	})

	t.Run("ended instance rejects admission and stays unchanged", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
		require.NoError(t, err)
		require.NoError(t, inst.AddAssignment(ctx, env.newAssignment(t, "u1", "w1")))
		require.NoError(t, inst.Teardown(ctx, false))

		err = inst.AddAssignment(ctx, env.newAssignment(t, "u2", "w2"))
		require.ErrorIs(t, err, types.ErrInstanceEnded)

		users, err := inst.Users(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"u1"}, users)
	})

	t.Run("concurrent admissions all land", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
		require.NoError(t, err)

		const n = 32
		assts := make([]*types.AssignmentRecord, n)
		for i := range n {
			assts[i] = env.newAssignment(t, userID(i), workerID(i))
		}

		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				require.NoError(t, inst.AddAssignment(ctx, assts[i]))
			}()
		}
		wg.Wait()

		users, err := inst.Users(ctx)
		require.NoError(t, err)
		require.Len(t, users, n)
	})
}

func TestInstance_Treatment(t *testing.T) {
	ctx := context.Background()

	t.Run("ordered merge with later override", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.mgr.PutTreatment(ctx, types.Treatment{
			Name:   "base",
			Params: map[string]any{"rounds": float64(10), "payoff": "linear"},
		}))
		require.NoError(t, env.mgr.PutTreatment(ctx, types.Treatment{
			Name:   "highstakes",
			Params: map[string]any{"payoff": "convex", "bonus": true},
		}))

		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", []string{"base", "highstakes"}, false)
		require.NoError(t, err)

		resolved, err := inst.Treatment(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"base", "highstakes"}, resolved.Names)
		require.Equal(t, map[string]any{
			"rounds": float64(10),
			"payoff": "convex",
			"bonus":  true,
		}, resolved.Params)
	})

	t.Run("unknown treatment fails with not found", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", []string{"nope"}, false)
		require.NoError(t, err)

		_, err = inst.Treatment(ctx)
		require.ErrorIs(t, err, types.ErrTreatmentNotFound)
	})
}

func TestInstance_Duration(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
	require.NoError(t, err)
	require.NoError(t, inst.AddAssignment(ctx, env.newAssignment(t, "u1", "w1")))

	env.clock.Advance(5 * time.Minute)
	require.NoError(t, inst.Teardown(ctx, false))

	// Frozen at endTime - startTime, independent of time since teardown.
	env.clock.Advance(3 * time.Hour)
	d, err := inst.Duration(ctx)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)
}

func TestInstance_Setup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	t.Cleanup(clearInitHandlers)
	clearInitHandlers()

	require.NoError(t, env.mgr.PutTreatment(ctx, types.Treatment{
		Name:   "base",
		Params: map[string]any{"rounds": float64(3)},
	}))
	inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", []string{"base"}, false)
	require.NoError(t, err)

	var order []string
	RegisterInitHandler(func(ctx context.Context, inst *Instance) error {
		groupID, ok := scope.CurrentGroup(ctx)
		require.True(t, ok)
		require.Equal(t, inst.GroupID(), groupID)
		order = append(order, "first")

		return nil
	})
	RegisterInitHandler(func(context.Context, *Instance) error {
		order = append(order, "second")

		return nil
	})

	require.NoError(t, inst.Setup(ctx))
	require.Equal(t, []string{"first", "second"}, order)

	initialized := env.sink.byKind(types.EventInitialized)
	require.Len(t, initialized, 1)
	require.Equal(t, "g1", initialized[0].Payload["group_id"])

	treatment, ok := initialized[0].Payload["treatment"].(types.ResolvedTreatment)
	require.True(t, ok)
	require.Equal(t, []string{"base"}, treatment.Names)
}

func TestInstance_Teardown(t *testing.T) {
	ctx := context.Background()

	t.Run("second teardown fails with state error", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
		require.NoError(t, err)

		require.NoError(t, inst.Teardown(ctx, false))
		require.ErrorIs(t, inst.Teardown(ctx, false), types.ErrInstanceEnded)
	})

	t.Run("shares one timestamp across end time, event and departures", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
		require.NoError(t, err)

		asst := env.newAssignment(t, "u1", "w1")
		require.NoError(t, inst.AddAssignment(ctx, asst))

		env.clock.Advance(time.Minute)
		require.NoError(t, inst.Teardown(ctx, true))

		rec, _, err := inst.Record(ctx)
		require.NoError(t, err)

		teardowns := env.sink.byKind(types.EventTeardown)
		require.Len(t, teardowns, 1)
		require.True(t, teardowns[0].Timestamp.Equal(rec.EndTime))

		stored, _, err := env.mgr.Assignment(ctx, asst.AsstID)
		require.NoError(t, err)
		require.True(t, stored.Instances[0].LeaveTime.Equal(rec.EndTime))
	})

	t.Run("routes members below the completion limit to the lobby", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
		require.NoError(t, err)
		require.NoError(t, inst.AddAssignment(ctx, env.newAssignment(t, "u1", "w1")))

		require.NoError(t, inst.Teardown(ctx, true))

		require.Equal(t, []string{"u1"}, env.router.lobby)
		require.Empty(t, env.router.exits)

		_, ok := env.mgr.Scopes().UserGroup("u1")
		require.False(t, ok)
	})

	t.Run("routes members at the completion limit to the exit survey", func(t *testing.T) {
		env := newTestEnv(t)
		asst := env.newAssignment(t, "u1", "w1")

		for _, groupID := range []string{"g1", "g2"} {
			inst, err := env.mgr.CreateInstance(ctx, "b1", groupID, nil, true)
			require.NoError(t, err)
			require.NoError(t, inst.AddAssignment(ctx, asst))
			require.NoError(t, inst.Teardown(ctx, true))
		}

		require.Equal(t, []string{"u1"}, env.router.lobby) // after first teardown only
		require.Equal(t, []string{"u1"}, env.router.exits) // after second
	})

	t.Run("skips routing when returnToLobby is false", func(t *testing.T) {
		env := newTestEnv(t)
		inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
		require.NoError(t, err)
		require.NoError(t, inst.AddAssignment(ctx, env.newAssignment(t, "u1", "w1")))

		require.NoError(t, inst.Teardown(ctx, false))
		require.Empty(t, env.router.lobby)
		require.Empty(t, env.router.exits)
	})
}

func TestInstance_SendUserToLobby(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	inst, err := env.mgr.CreateInstance(ctx, "b1", "g1", nil, true)
	require.NoError(t, err)

	asst := env.newAssignment(t, "u1", "w1")
	require.NoError(t, inst.AddAssignment(ctx, asst))

	require.NoError(t, inst.SendUserToLobby(ctx, "u1"))
	require.Equal(t, []string{"u1"}, env.router.lobby)

	stored, _, err := env.mgr.Assignment(ctx, asst.AsstID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Completed())

	// Unknown participant is a no-op.
	require.NoError(t, inst.SendUserToLobby(ctx, "ghost"))
}

func userID(i int) string {
	return "u" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func workerID(i int) string {
	return "w" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}
