package assigner

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/amaatouq/turkserver/experiment"
	"github.com/amaatouq/turkserver/lobby"
	"github.com/amaatouq/turkserver/scope"
	"github.com/amaatouq/turkserver/store/memory"
	"github.com/amaatouq/turkserver/types"
	"github.com/stretchr/testify/require"
)

// stubRouter records teardown routing without a composition root.
type stubRouter struct {
	mu    sync.Mutex
	lobby []string
	exits []string
}

func (r *stubRouter) SendToLobby(_ context.Context, _, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lobby = append(r.lobby, userID)

	return nil
}

func (r *stubRouter) RouteAfterTeardown(ctx context.Context, batchID, userID string, completed int) error {
	if completed >= tutorialCompletedLimit {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.exits = append(r.exits, userID)

		return nil
	}

	return r.SendToLobby(ctx, batchID, userID)
}

type harness struct {
	t      *testing.T
	store  *memory.Store
	mgr    *experiment.Manager
	lob    *lobby.Lobby
	router *stubRouter
	batch  types.BatchRecord
}

func newHarness(t *testing.T, batch types.BatchRecord) *harness {
	t.Helper()

	store := memory.New()
	router := &stubRouter{}
	mgr, err := experiment.NewManager(store, scope.NewRegistry(), router, nil, nil, nil, nil)
	require.NoError(t, err)

	return &harness{
		t:      t,
		store:  store,
		mgr:    mgr,
		lob:    lobby.New(batch.BatchID, nil, nil),
		router: router,
		batch:  batch,
	}
}

func (h *harness) env() *Env {
	return &Env{Experiments: h.mgr, Lobby: h.lob, Batch: h.batch}
}

func (h *harness) attach(a Assigner) {
	h.t.Helper()
	require.NoError(h.t, a.Attach(context.Background(), h.env()))
}

func (h *harness) connect(i int) *types.AssignmentRecord {
	h.t.Helper()

	asst, err := h.mgr.EnsureAssignment(context.Background(), h.batch.BatchID, types.Connection{
		UserID:   testUserID(i),
		WorkerID: fmt.Sprintf("worker-%03d", i),
	})
	require.NoError(h.t, err)

	return asst
}

// assign is Assign with the expectation of an instance admission.
func (h *harness) assign(a Assigner, asst *types.AssignmentRecord) *experiment.Instance {
	h.t.Helper()

	dec, err := a.Assign(context.Background(), asst)
	require.NoError(h.t, err)
	require.NotNil(h.t, dec.Instance)

	return dec.Instance
}

// runTutorial connects n participants, puts them all through one tutorial
// instance, tears it down, and returns their refreshed assignment records
// (one completed membership each).
func runTutorial(t *testing.T, h *harness, a Assigner, n int) []*types.AssignmentRecord {
	t.Helper()
	ctx := context.Background()

	assts := make([]*types.AssignmentRecord, n)
	var tutorial *experiment.Instance
	for i := range n {
		assts[i] = h.connect(i)
		tutorial = h.assign(a, assts[i])
	}
	require.NoError(t, tutorial.Teardown(ctx, true))

	for i := range n {
		fresh, _, err := h.mgr.Assignment(ctx, assts[i].AsstID)
		require.NoError(t, err)
		require.Equal(t, 1, fresh.Completed())
		assts[i] = fresh
	}

	return assts
}

func testUserID(i int) string {
	return fmt.Sprintf("user-%03d", i)
}

func TestSequential_FillsInCreationOrder(t *testing.T) {
	h := newHarness(t, types.BatchRecord{
		BatchID:      "b1",
		Active:       true,
		GroupingMode: types.GroupingBySize,
		GroupValue:   3,
	})
	a := NewSequential()
	h.attach(a)
	defer a.Detach()

	groups := make([]string, 5)
	for i := range 5 {
		groups[i] = h.assign(a, h.connect(i)).GroupID()
	}

	// First three share the first instance, the next two the second.
	require.Equal(t, groups[0], groups[1])
	require.Equal(t, groups[0], groups[2])
	require.Equal(t, groups[3], groups[4])
	require.NotEqual(t, groups[0], groups[3])

	records, err := h.mgr.ListByBatch(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	sizes := []int{len(records[0].Users), len(records[1].Users)}
	require.ElementsMatch(t, []int{3, 2}, sizes)
}

func TestSequential_SkipsEndedInstances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, types.BatchRecord{
		BatchID:      "b1",
		Active:       true,
		GroupingMode: types.GroupingBySize,
		GroupValue:   3,
	})
	a := NewSequential()
	h.attach(a)
	defer a.Detach()

	first := h.assign(a, h.connect(0))
	require.NoError(t, first.Teardown(ctx, false))

	second := h.assign(a, h.connect(1))
	require.NotEqual(t, first.GroupID(), second.GroupID())
}

func TestSequential_ResumesStoredInstancesAcrossRestart(t *testing.T) {
	h := newHarness(t, types.BatchRecord{
		BatchID:      "b1",
		Active:       true,
		GroupingMode: types.GroupingBySize,
		GroupValue:   3,
	})
	a := NewSequential()
	h.attach(a)
	first := h.assign(a, h.connect(0))
	a.Detach()

	// A fresh policy sees the half-full instance through the store.
	restarted := NewSequential()
	h.attach(restarted)
	defer restarted.Detach()

	second := h.assign(restarted, h.connect(1))
	require.Equal(t, first.GroupID(), second.GroupID())
}

func TestRoundRobin_BalancesAcrossConfiguredInstances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, types.BatchRecord{
		BatchID:       "b1",
		Active:        true,
		GroupingMode:  types.GroupingByCount,
		ExperimentIDs: []string{"g1", "g2", "g3"},
	})
	for _, groupID := range h.batch.ExperimentIDs {
		_, err := h.mgr.CreateInstance(ctx, "b1", groupID, nil, false)
		require.NoError(t, err)
	}

	a := NewRoundRobin()
	h.attach(a)
	defer a.Detach()

	counts := map[string]int{}
	var order []string
	for i := range 7 {
		groupID := h.assign(a, h.connect(i)).GroupID()
		counts[groupID]++
		order = append(order, groupID)
	}

	// Ties break by configuration order, so the first pass is g1, g2, g3.
	require.Equal(t, []string{"g1", "g2", "g3"}, order[:3])
	require.Equal(t, map[string]int{"g1": 3, "g2": 2, "g3": 2}, counts)
}

func TestRoundRobin_NoInstancesConfigured(t *testing.T) {
	h := newHarness(t, types.BatchRecord{BatchID: "b1", Active: true, GroupingMode: types.GroupingByCount})
	a := NewRoundRobin()
	h.attach(a)
	defer a.Detach()

	_, err := a.Assign(context.Background(), h.connect(0))
	require.ErrorIs(t, err, types.ErrNoInstancesConfigured)
}

func TestRoundRobin_SkipsEndedInstances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, types.BatchRecord{
		BatchID:       "b1",
		Active:        true,
		GroupingMode:  types.GroupingByCount,
		ExperimentIDs: []string{"g1", "g2"},
	})
	for _, groupID := range h.batch.ExperimentIDs {
		_, err := h.mgr.CreateInstance(ctx, "b1", groupID, nil, false)
		require.NoError(t, err)
	}
	g1, err := h.mgr.GetInstance(ctx, "g1")
	require.NoError(t, err)
	require.NoError(t, g1.Teardown(ctx, false))

	a := NewRoundRobin()
	h.attach(a)
	defer a.Detach()

	for i := range 3 {
		require.Equal(t, "g2", h.assign(a, h.connect(i)).GroupID())
	}
}
