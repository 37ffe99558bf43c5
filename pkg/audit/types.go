// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
)

// Action is the kind of mutation an audit record describes.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Phase identifies the unit-of-work phase a record is dispatched in.
type Phase string

const (
	// PhasePreCommit is the flush phase, before the store commits.
	PhasePreCommit Phase = "pre_commit"
	// PhasePostCommit runs after the store committed and assigned identifiers.
	PhasePostCommit Phase = "post_commit"
)

// PendingEntityID is the subject id of a create record until its entity
// receives a store-assigned identifier.
const PendingEntityID = "pending"

// User identifies the actor responsible for a change.
type User struct {
	ID       string
	Username string
}

// UserResolver returns the current actor, or nil when the change is not
// attributable to a user (CLI jobs, migrations).
type UserResolver interface {
	CurrentUser(ctx context.Context) *User
}

// UserResolverFunc adapts a function to UserResolver.
type UserResolverFunc func(ctx context.Context) *User

// CurrentUser calls f(ctx).
func (f UserResolverFunc) CurrentUser(ctx context.Context) *User {
	return f(ctx)
}

// RequestInfo carries transport-level information about the originating request.
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

type userKey struct{}

type requestInfoKey struct{}

// WithUser attaches the acting user to ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the user stored by WithUser.
func UserFrom(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey{}).(*User)
	return u, ok
}

// ContextUserResolver resolves the user attached with WithUser.
var ContextUserResolver UserResolver = UserResolverFunc(func(ctx context.Context) *User {
	u, _ := UserFrom(ctx)
	return u
})

// WithRequestInfo attaches request details to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the request details stored by WithRequestInfo.
func RequestInfoFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}
