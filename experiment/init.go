package experiment

import (
	"context"
	"slices"
	"sync"
)

// InitHandler is invoked by Instance.Setup inside the instance's group
// scope. Handlers seed per-group application state before participants join.
type InitHandler func(ctx context.Context, inst *Instance) error

var initHandlers struct {
	mu  sync.RWMutex
	fns []InitHandler
}

// RegisterInitHandler registers a handler to run during every instance
// Setup, in registration order. Typically called from package init or
// application startup, before any instance is created.
func RegisterInitHandler(fn InitHandler) {
	initHandlers.mu.Lock()
	defer initHandlers.mu.Unlock()

	initHandlers.fns = append(initHandlers.fns, fn)
}

func initHandlersSnapshot() []InitHandler {
	initHandlers.mu.RLock()
	defer initHandlers.mu.RUnlock()

	return slices.Clone(initHandlers.fns)
}

// clearInitHandlers resets registration; tests only.
func clearInitHandlers() {
	initHandlers.mu.Lock()
	defer initHandlers.mu.Unlock()

	initHandlers.fns = nil
}
