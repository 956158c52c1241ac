package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/amaatouq/turkserver/internal/events"
	"github.com/amaatouq/turkserver/internal/logging"
	"github.com/amaatouq/turkserver/internal/metrics"
	"github.com/amaatouq/turkserver/scope"
	"github.com/amaatouq/turkserver/types"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v4"
)

// treatmentCacheSize bounds the resolved-treatment cache. Treatment lists are
// immutable once an instance exists, so entries never need invalidation.
const treatmentCacheSize = 256

// UserRouter routes participants leaving an instance. Implemented by the
// composition root (Batch), which owns the lobby and the active assigner.
type UserRouter interface {
	// SendToLobby returns userID to the batch lobby unconditionally.
	SendToLobby(ctx context.Context, batchID, userID string) error

	// RouteAfterTeardown routes userID after an instance ends: back to the
	// lobby below the policy's completion limit, to the exit survey at it.
	RouteAfterTeardown(ctx context.Context, batchID, userID string, completed int) error
}

// Manager owns the runtime instance registry and every store mutation of
// instance, assignment and worker records.
//
// Thread safety: all methods are safe for concurrent use. First-time
// instance lookup is an atomic get-or-create on a concurrent map, so two
// simultaneous calls for the same unseen group yield one object identity.
type Manager struct {
	store   types.Store
	scopes  *scope.Registry
	router  UserRouter
	logger  types.Logger
	metrics types.MetricsCollector
	sink    types.EventSink
	clock   func() time.Time

	registry   *xsync.Map[string, *Instance]
	treatments *lru.Cache[string, types.ResolvedTreatment]
}

// NewManager creates an instance manager.
//
// store, scopes and router are required. A nil logger, metrics collector,
// event sink or clock falls back to nop implementations and time.Now.
func NewManager(
	store types.Store,
	scopes *scope.Registry,
	router UserRouter,
	logger types.Logger,
	collector types.MetricsCollector,
	sink types.EventSink,
	clock func() time.Time,
) (*Manager, error) {
	if store == nil {
		return nil, types.ErrStoreRequired
	}
	if scopes == nil {
		return nil, errors.New("scope registry is required")
	}
	if router == nil {
		return nil, errors.New("user router is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNop()
	}
	if sink == nil {
		sink = events.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}

	cache, err := lru.New[string, types.ResolvedTreatment](treatmentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("treatment cache: %w", err)
	}

	return &Manager{
		store:      store,
		scopes:     scopes,
		router:     router,
		logger:     logger,
		metrics:    collector,
		sink:       sink,
		clock:      clock,
		registry:   xsync.NewMap[string, *Instance](),
		treatments: cache,
	}, nil
}

// Scopes returns the user → group registry the manager maintains.
func (m *Manager) Scopes() *scope.Registry {
	return m.scopes
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.clock()
}

// CreateInstance creates the instance record for a new experiment group and
// returns its runtime handle.
//
// An empty groupID allocates a random one. Creation is atomic: a concurrent
// creator for the same groupID loses with ErrInstanceExists.
func (m *Manager) CreateInstance(ctx context.Context, batchID, groupID string, treatments []string, assignable bool) (*Instance, error) {
	if groupID == "" {
		groupID = uuid.NewString()
	}

	rec := types.InstanceRecord{
		GroupID:    groupID,
		BatchID:    batchID,
		Treatments: slices.Clone(treatments),
		Assignable: assignable,
		CreatedAt:  m.clock(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode instance %s: %w", groupID, err)
	}
	if _, err := m.store.Create(ctx, types.InstanceKey(groupID), data); err != nil {
		if errors.Is(err, types.ErrKeyExists) {
			return nil, fmt.Errorf("group %s: %w", groupID, types.ErrInstanceExists)
		}

		return nil, fmt.Errorf("create instance %s: %w", groupID, err)
	}

	m.metrics.RecordInstanceCreated(batchID)
	m.logger.Info("instance created",
		"group_id", groupID, "batch_id", batchID, "treatments", treatments, "assignable", assignable)

	return m.handle(groupID), nil
}

// GetInstance returns the runtime handle for an existing experiment group.
//
// Returns ErrGroupNotFound when no backing record exists. Idempotent under
// concurrent first access: racing callers for the same unseen groupID get
// the same handle, never two.
func (m *Manager) GetInstance(ctx context.Context, groupID string) (*Instance, error) {
	if inst, ok := m.registry.Load(groupID); ok {
		return inst, nil
	}

	if _, _, err := m.store.Get(ctx, types.InstanceKey(groupID)); err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return nil, fmt.Errorf("group %s: %w", groupID, types.ErrGroupNotFound)
		}

		return nil, fmt.Errorf("get instance %s: %w", groupID, err)
	}

	return m.handle(groupID), nil
}

// handle is the atomic get-or-create on the runtime registry.
func (m *Manager) handle(groupID string) *Instance {
	inst, _ := m.registry.LoadOrCompute(groupID, func() (*Instance, bool) {
		return &Instance{mgr: m, groupID: groupID}, false
	})

	return inst
}

// ListByBatch returns the stored instance records of a batch, ordered by
// creation time (ties broken by group ID).
func (m *Manager) ListByBatch(ctx context.Context, batchID string) ([]types.InstanceRecord, error) {
	keys, err := m.store.Keys(ctx, types.InstanceKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	records := make([]types.InstanceRecord, 0, len(keys))
	for _, key := range keys {
		rec, _, err := getRecord[types.InstanceRecord](ctx, m.store, key)
		if errors.Is(err, types.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.BatchID == batchID {
			records = append(records, rec)
		}
	}
	slices.SortFunc(records, func(a, b types.InstanceRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.GroupID, b.GroupID)
	})

	return records, nil
}

// PutTreatment stores (or replaces) a treatment record.
func (m *Manager) PutTreatment(ctx context.Context, t types.Treatment) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode treatment %s: %w", t.Name, err)
	}
	if _, err := m.store.Put(ctx, types.TreatmentKey(t.Name), data); err != nil {
		return fmt.Errorf("put treatment %s: %w", t.Name, err)
	}

	return nil
}

// EnsureAssignment returns the participant's assignment record, creating it
// (and the worker record) on first connect.
//
// The userID → asstID index entry is created atomically, so concurrent first
// connects for the same user converge on a single assignment.
func (m *Manager) EnsureAssignment(ctx context.Context, batchID string, conn types.Connection) (*types.AssignmentRecord, error) {
	if asst, _, err := m.AssignmentForUser(ctx, conn.UserID); err == nil {
		return asst, nil
	} else if !errors.Is(err, types.ErrAssignmentNotFound) {
		return nil, err
	}

	asstID := conn.AsstID
	if asstID == "" {
		asstID = uuid.NewString()
	}

	rec := types.AssignmentRecord{
		AsstID:   asstID,
		WorkerID: conn.WorkerID,
		UserID:   conn.UserID,
		BatchID:  batchID,
		Status:   types.AssignmentAssigned,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode assignment %s: %w", asstID, err)
	}

	// Record first, index second: whoever wins the index race below has
	// already made their record readable, so the loser converges on it
	// instead of surfacing a transient not-found.
	if _, err := m.store.Create(ctx, types.AssignmentKey(asstID), data); err != nil && !errors.Is(err, types.ErrKeyExists) {
		return nil, fmt.Errorf("create assignment %s: %w", asstID, err)
	}

	if _, err := m.store.Create(ctx, types.UserAsstKey(conn.UserID), []byte(asstID)); err != nil {
		if errors.Is(err, types.ErrKeyExists) {
			// Lost the race; use the winner's assignment and drop ours.
			winner, _, err := m.AssignmentForUser(ctx, conn.UserID)
			if err != nil {
				return nil, err
			}
			if winner.AsstID != asstID {
				_ = m.store.Delete(ctx, types.AssignmentKey(asstID))
			}

			return winner, nil
		}

		return nil, fmt.Errorf("index assignment for user %s: %w", conn.UserID, err)
	}

	if err := m.EnsureWorker(ctx, conn.WorkerID); err != nil {
		return nil, err
	}

	m.logger.Debug("assignment created",
		"asst_id", asstID, "worker_id", conn.WorkerID, "user_id", conn.UserID, "batch_id", batchID)

	return &rec, nil
}

// AssignmentForUser resolves the user's current assignment record via the
// userID → asstID index. Returns ErrAssignmentNotFound when the user has
// none.
func (m *Manager) AssignmentForUser(ctx context.Context, userID string) (*types.AssignmentRecord, uint64, error) {
	raw, _, err := m.store.Get(ctx, types.UserAsstKey(userID))
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("user %s: %w", userID, types.ErrAssignmentNotFound)
		}

		return nil, 0, fmt.Errorf("lookup assignment for user %s: %w", userID, err)
	}

	return m.Assignment(ctx, string(raw))
}

// Assignment loads an assignment record by ID.
func (m *Manager) Assignment(ctx context.Context, asstID string) (*types.AssignmentRecord, uint64, error) {
	rec, rev, err := getRecord[types.AssignmentRecord](ctx, m.store, types.AssignmentKey(asstID))
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("assignment %s: %w", asstID, types.ErrAssignmentNotFound)
		}

		return nil, 0, err
	}

	return &rec, rev, nil
}

// mutateAssignment applies mutate to the assignment record in a CAS loop.
// mutate returns false to signal that nothing changed (no write issued).
func (m *Manager) mutateAssignment(ctx context.Context, asstID string, mutate func(*types.AssignmentRecord) bool) (*types.AssignmentRecord, error) {
	for {
		rec, rev, err := m.Assignment(ctx, asstID)
		if err != nil {
			return nil, err
		}
		if !mutate(rec) {
			return rec, nil
		}
		_, err = putRecord(ctx, m.store, types.AssignmentKey(asstID), *rec, rev)
		if errors.Is(err, types.ErrRevisionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}

		return rec, nil
	}
}

// EnsureWorker creates the worker record in the unassigned state if absent.
func (m *Manager) EnsureWorker(ctx context.Context, workerID string) error {
	rec := types.WorkerRecord{WorkerID: workerID, State: types.WorkerUnassigned}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode worker %s: %w", workerID, err)
	}
	if _, err := m.store.Create(ctx, types.WorkerKey(workerID), data); err != nil && !errors.Is(err, types.ErrKeyExists) {
		return fmt.Errorf("create worker %s: %w", workerID, err)
	}

	return nil
}

// WorkerState returns the worker's current lifecycle state.
func (m *Manager) WorkerState(ctx context.Context, workerID string) (types.WorkerState, error) {
	rec, _, err := getRecord[types.WorkerRecord](ctx, m.store, types.WorkerKey(workerID))
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return "", fmt.Errorf("worker %s: %w", workerID, types.ErrWorkerNotFound)
		}

		return "", err
	}

	return rec.State, nil
}

// SetWorkerState moves the worker to state. The exit survey is terminal:
// once there, a worker never transitions back.
func (m *Manager) SetWorkerState(ctx context.Context, workerID string, state types.WorkerState) error {
	for {
		rec, rev, err := getRecord[types.WorkerRecord](ctx, m.store, types.WorkerKey(workerID))
		if errors.Is(err, types.ErrKeyNotFound) {
			rec = types.WorkerRecord{WorkerID: workerID, State: state}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode worker %s: %w", workerID, err)
			}
			if _, err := m.store.Create(ctx, types.WorkerKey(workerID), data); err != nil {
				if errors.Is(err, types.ErrKeyExists) {
					continue
				}

				return fmt.Errorf("create worker %s: %w", workerID, err)
			}
			m.metrics.RecordWorkerState(state)

			return nil
		}
		if err != nil {
			return err
		}
		if rec.State == state {
			return nil
		}
		if rec.State == types.WorkerExitSurvey {
			m.logger.Debug("ignoring state change for finished worker", "worker_id", workerID, "state", state)

			return nil
		}
		rec.State = state
		_, err = putRecord(ctx, m.store, types.WorkerKey(workerID), rec, rev)
		if errors.Is(err, types.ErrRevisionMismatch) {
			continue
		}
		if err != nil {
			return err
		}
		m.metrics.RecordWorkerState(state)
		m.logger.Debug("worker state changed", "worker_id", workerID, "state", state)

		return nil
	}
}

// BatchRecord loads a batch record by ID.
func (m *Manager) BatchRecord(ctx context.Context, batchID string) (types.BatchRecord, error) {
	rec, _, err := getRecord[types.BatchRecord](ctx, m.store, types.BatchKey(batchID))
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return types.BatchRecord{}, fmt.Errorf("batch %s: %w", batchID, types.ErrBatchNotFound)
		}

		return types.BatchRecord{}, err
	}

	return rec, nil
}

// getRecord loads and decodes a JSON record from the store.
func getRecord[T any](ctx context.Context, st types.Store, key string) (T, uint64, error) {
	var rec T

	raw, rev, err := st.Get(ctx, key)
	if err != nil {
		return rec, 0, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, 0, fmt.Errorf("decode %s: %w", key, err)
	}

	return rec, rev, nil
}

// putRecord encodes and CAS-updates a JSON record in the store.
func putRecord[T any](ctx context.Context, st types.Store, key string, rec T, revision uint64) (uint64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}

	return st.Update(ctx, key, data, revision)
}
