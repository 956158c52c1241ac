package types

import (
	"context"
	"time"
)

// Event kinds emitted by the core.
const (
	// EventInitialized is emitted after an instance runs its init handlers.
	// The payload carries the resolved treatment.
	EventInitialized = "initialized"

	// EventTeardown is emitted when an instance ends. The payload carries the
	// single shared teardown timestamp so concurrent teardowns stay orderable.
	EventTeardown = "teardown"
)

// Event is a structured log event accepted by an EventSink.
type Event struct {
	// Kind names the event ("initialized", "teardown", ...).
	Kind string `json:"kind"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries event-specific fields.
	Payload map[string]any `json:"payload,omitempty"`
}

// EventSink accepts structured events emitted by the core.
//
// Implementations must be safe for concurrent use. Sinks are fire-and-forget
// from the core's perspective; delivery failures are the sink's concern.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}
