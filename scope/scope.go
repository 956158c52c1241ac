// Package scope implements dynamic group scoping: binding a "current group"
// to a unit of work, and an explicit userID → groupID registry used to
// recover which instance a connection belongs to outside a bound scope.
//
// The binding rides on context.Context, so it propagates across every
// downstream call and every goroutine started with the bound context, and
// never leaks to concurrently running unrelated work.
package scope

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
)

type groupKey struct{}

// BindGroup returns a context with the current group bound to groupID for
// the duration of any work derived from it.
func BindGroup(ctx context.Context, groupID string) context.Context {
	return context.WithValue(ctx, groupKey{}, groupID)
}

// CurrentGroup returns the group bound in the caller's dynamic scope.
//
// The second return value is false when no group is bound.
func CurrentGroup(ctx context.Context) (string, bool) {
	groupID, ok := ctx.Value(groupKey{}).(string)

	return groupID, ok
}

// Run executes fn with the current group bound to groupID.
func Run(ctx context.Context, groupID string, fn func(ctx context.Context) error) error {
	return fn(BindGroup(ctx, groupID))
}

// Registry maps users to their current group.
//
// Safe for concurrent use; backed by a lock-free concurrent map.
type Registry struct {
	users *xsync.Map[string, string]
}

// NewRegistry creates an empty user → group registry.
func NewRegistry() *Registry {
	return &Registry{users: xsync.NewMap[string, string]()}
}

// SetUserGroup records that userID is currently part of groupID.
func (r *Registry) SetUserGroup(userID, groupID string) {
	r.users.Store(userID, groupID)
}

// ClearUserGroup removes userID from the registry.
func (r *Registry) ClearUserGroup(userID string) {
	r.users.Delete(userID)
}

// UserGroup returns the group userID is currently part of.
//
// The second return value is false when the user has no current group.
func (r *Registry) UserGroup(userID string) (string, bool) {
	return r.users.Load(userID)
}
