package types

import "context"

// Connection is a notification from the external connection layer.
type Connection struct {
	// UserID is the connection-layer user ID.
	UserID string `json:"userId"`

	// WorkerID is the marketplace worker ID.
	WorkerID string `json:"workerId"`

	// AsstID is the marketplace assignment ID, when the connection layer
	// knows it. Empty means the core allocates one.
	AsstID string `json:"asstId,omitempty"`
}

// Authorizer is the predicate administrative entry points call before
// mutating HIT or campaign state. Returning false surfaces a 403-class
// AdminError to the caller.
type Authorizer interface {
	Authorize(ctx context.Context, operation string) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, operation string) bool

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, operation string) bool {
	return f(ctx, operation)
}

// HIT describes a marketplace HIT created or extended by admin operations.
type HIT struct {
	// HITID is the marketplace HIT ID.
	HITID string `json:"hitId"`

	// HITTypeID groups HITs sharing a type definition.
	HITTypeID string `json:"hitTypeId,omitempty"`

	// MaxAssignments is the assignment capacity of the HIT.
	MaxAssignments int `json:"maxAssignments"`

	// LifetimeSeconds is how long the HIT stays listed.
	LifetimeSeconds int64 `json:"lifetimeSeconds"`
}

// MarketplaceClient is the opaque RPC client for the external crowd-labor
// marketplace. Failures are propagated verbatim to the administrative
// caller, never swallowed.
type MarketplaceClient interface {
	// CreateHIT publishes a new HIT and returns its marketplace identity.
	CreateHIT(ctx context.Context, hitTypeID string, maxAssignments int, lifetimeSeconds int64) (HIT, error)

	// ExtendHIT adds assignments and/or lifetime to an existing HIT.
	ExtendHIT(ctx context.Context, hitID string, addAssignments int, addSeconds int64) error

	// NotifyWorkers sends a marketplace notification to the given workers.
	NotifyWorkers(ctx context.Context, workerIDs []string, subject, text string) error
}

// EmailSender is the opaque outbound email client used by bulk messaging.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}
