// Package lobby implements the holding pool for participants awaiting
// assignment, plus the named signal bus that decouples admission triggers
// from policy logic.
//
// The lobby carries no assignment intelligence: assigners subscribe to
// signals at installation and react; any number of subscribers may share a
// signal.
package lobby

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/amaatouq/turkserver/internal/logging"
	"github.com/amaatouq/turkserver/internal/metrics"
	"github.com/amaatouq/turkserver/types"
	"github.com/puzpuzpuz/xsync/v4"
)

// Well-known signals. The bus is extensible; these are the two the built-in
// assigner policies react to.
const (
	// SignalAutoAssign asks the active assigner to move eligible lobby
	// participants into experiment instances.
	SignalAutoAssign = "auto-assign"

	// SignalResetMultiGroups resets multi-group assignment progress.
	SignalResetMultiGroups = "reset-multi-groups"
)

// Handler reacts to an emitted signal.
type Handler func(ctx context.Context)

type subscriber struct {
	id     uint64
	signal string
	fn     Handler
}

// Lobby is a holding pool of user IDs with a named signal bus.
//
// Membership preserves insertion order. Safe for concurrent use.
type Lobby struct {
	batchID string
	logger  types.Logger
	metrics types.MetricsCollector

	mu      sync.Mutex
	order   []string
	present map[string]struct{}

	subscribers *xsync.Map[uint64, *subscriber]
	nextSubID   atomic.Uint64
}

// New creates an empty lobby for a batch.
//
// A nil logger or metrics collector falls back to the no-op implementation.
func New(batchID string, logger types.Logger, collector types.MetricsCollector) *Lobby {
	if logger == nil {
		logger = logging.NewNop()
	}
	if collector == nil {
		collector = metrics.NewNop()
	}

	return &Lobby{
		batchID:     batchID,
		logger:      logger,
		metrics:     collector,
		present:     map[string]struct{}{},
		subscribers: xsync.NewMap[uint64, *subscriber](),
	}
}

// BatchID returns the owning batch ID.
func (l *Lobby) BatchID() string {
	return l.batchID
}

// AddUser admits userID into the pool.
//
// Returns false when the user is already waiting.
func (l *Lobby) AddUser(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.present[userID]; ok {
		return false
	}
	l.present[userID] = struct{}{}
	l.order = append(l.order, userID)
	l.metrics.SetLobbySize(l.batchID, len(l.order))
	l.logger.Debug("user entered lobby", "batch_id", l.batchID, "user_id", userID, "size", len(l.order))

	return true
}

// RemoveUser removes userID from the pool.
//
// Returns false when the user was not waiting.
func (l *Lobby) RemoveUser(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.present[userID]; !ok {
		return false
	}
	delete(l.present, userID)
	l.order = slices.DeleteFunc(l.order, func(id string) bool { return id == userID })
	l.metrics.SetLobbySize(l.batchID, len(l.order))
	l.logger.Debug("user left lobby", "batch_id", l.batchID, "user_id", userID, "size", len(l.order))

	return true
}

// Contains reports whether userID is currently waiting.
func (l *Lobby) Contains(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.present[userID]

	return ok
}

// Users returns the waiting users in insertion order.
func (l *Lobby) Users() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return slices.Clone(l.order)
}

// Len returns the number of waiting users.
func (l *Lobby) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.order)
}

// Subscribe registers fn for the named signal and returns an unsubscribe
// function. Handlers for the same signal run in subscription order.
func (l *Lobby) Subscribe(signal string, fn Handler) (unsubscribe func()) {
	id := l.nextSubID.Add(1)
	l.subscribers.Store(id, &subscriber{id: id, signal: signal, fn: fn})

	return func() {
		l.subscribers.Delete(id)
	}
}

// Emit dispatches the named signal synchronously to every subscriber.
func (l *Lobby) Emit(ctx context.Context, signal string) {
	l.metrics.RecordSignal(signal)
	l.logger.Debug("lobby signal", "batch_id", l.batchID, "signal", signal)

	var matched []*subscriber
	l.subscribers.Range(func(_ uint64, sub *subscriber) bool {
		if sub.signal == signal {
			matched = append(matched, sub)
		}

		return true
	})
	// Range order is unspecified; dispatch in subscription order.
	slices.SortFunc(matched, func(a, b *subscriber) int { return cmp.Compare(a.id, b.id) })

	for _, sub := range matched {
		sub.fn(ctx)
	}
}
