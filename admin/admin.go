// Package admin exposes the administrative operations of a campaign:
// publishing and extending marketplace HITs and bulk-messaging workers.
//
// Every entry point is guarded by an authorization predicate; a denial
// surfaces as a 403-class *types.AdminError. Failures of the external
// marketplace or email service are wrapped and propagated verbatim, never
// swallowed.
package admin

import (
	"context"
	"fmt"

	"github.com/amaatouq/turkserver/internal/logging"
	"github.com/amaatouq/turkserver/types"
)

// Admin performs authorized administrative operations against the external
// marketplace and email services.
type Admin struct {
	market     types.MarketplaceClient
	email      types.EmailSender
	authorizer types.Authorizer
	logger     types.Logger
}

// Option configures an Admin.
type Option func(*Admin)

// WithAuthorizer sets the authorization predicate. Nil (the default) allows
// every operation.
func WithAuthorizer(authorizer types.Authorizer) Option {
	return func(a *Admin) {
		a.authorizer = authorizer
	}
}

// WithLogger sets a logger.
func WithLogger(logger types.Logger) Option {
	return func(a *Admin) {
		a.logger = logger
	}
}

// New creates an Admin over the given marketplace client and email sender.
// Either may be nil when the corresponding operations are unused; calling
// them then fails.
func New(market types.MarketplaceClient, email types.EmailSender, opts ...Option) *Admin {
	a := &Admin{market: market, email: email}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.NewNop()
	}

	return a
}

// authorize runs the predicate for op.
func (a *Admin) authorize(ctx context.Context, op string) error {
	if a.authorizer != nil && !a.authorizer.Authorize(ctx, op) {
		a.logger.Warn("operation denied", "op", op)

		return types.NewAuthorizationError(op)
	}

	return nil
}

// CreateHIT publishes a new HIT on the marketplace.
func (a *Admin) CreateHIT(ctx context.Context, hitTypeID string, maxAssignments int, lifetimeSeconds int64) (types.HIT, error) {
	const op = "create-hit"
	if err := a.authorize(ctx, op); err != nil {
		return types.HIT{}, err
	}
	if a.market == nil {
		return types.HIT{}, fmt.Errorf("%s: no marketplace client configured", op)
	}

	hit, err := a.market.CreateHIT(ctx, hitTypeID, maxAssignments, lifetimeSeconds)
	if err != nil {
		return types.HIT{}, fmt.Errorf("%s: %w", op, err)
	}
	a.logger.Info("hit created",
		"hit_id", hit.HITID, "hit_type_id", hitTypeID, "max_assignments", maxAssignments)

	return hit, nil
}

// ExtendHIT adds assignments and/or lifetime to an existing HIT.
func (a *Admin) ExtendHIT(ctx context.Context, hitID string, addAssignments int, addSeconds int64) error {
	const op = "extend-hit"
	if err := a.authorize(ctx, op); err != nil {
		return err
	}
	if a.market == nil {
		return fmt.Errorf("%s: no marketplace client configured", op)
	}

	if err := a.market.ExtendHIT(ctx, hitID, addAssignments, addSeconds); err != nil {
		return fmt.Errorf("%s %s: %w", op, hitID, err)
	}
	a.logger.Info("hit extended",
		"hit_id", hitID, "add_assignments", addAssignments, "add_seconds", addSeconds)

	return nil
}

// NotifyWorkers sends a marketplace notification to the given workers.
func (a *Admin) NotifyWorkers(ctx context.Context, workerIDs []string, subject, text string) error {
	const op = "notify-workers"
	if err := a.authorize(ctx, op); err != nil {
		return err
	}
	if a.market == nil {
		return fmt.Errorf("%s: no marketplace client configured", op)
	}

	if err := a.market.NotifyWorkers(ctx, workerIDs, subject, text); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	a.logger.Info("workers notified", "count", len(workerIDs), "subject", subject)

	return nil
}

// EmailWorkers sends a bulk email to the given addresses.
func (a *Admin) EmailWorkers(ctx context.Context, to []string, subject, body string) error {
	const op = "email-workers"
	if err := a.authorize(ctx, op); err != nil {
		return err
	}
	if a.email == nil {
		return fmt.Errorf("%s: no email sender configured", op)
	}

	if err := a.email.Send(ctx, to, subject, body); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	a.logger.Info("workers emailed", "count", len(to), "subject", subject)

	return nil
}
