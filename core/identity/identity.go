// Package identity carries the request context that travels with RPC messages.
//
// Overview:
//   - Responsibility: Store and retrieve the caller's RequestContext in a context.Context
//   - Key Types: RequestContext serialized as the "_context" member of an RPC envelope
//   - Concurrency Model: All functions are safe for concurrent use; values are copied
//   - Error Semantics: Lookups return a boolean to indicate presence
//
// Usage:
//
//	rc := identity.NewAdminContext()
//	ctx := identity.WithRequest(ctx, rc)
//	rc, ok := identity.RequestFrom(ctx)
package identity

import (
	"context"

	"github.com/google/uuid"
)

// RequestContext describes who issued a request and how to trace it.
type RequestContext struct {
	RequestID string   `json:"request_id"`
	UserID    string   `json:"user_id,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
	IsAdmin   bool     `json:"is_admin"`
	Roles     []string `json:"roles,omitempty"`
}

type contextKey struct{}

// NewRequestID returns a request id in the "req-<uuid>" form.
func NewRequestID() string {
	return "req-" + uuid.NewString()
}

// NewAdminContext returns an elevated context with a fresh request id.
// Services use it for their own housekeeping calls.
func NewAdminContext() RequestContext {
	return RequestContext{RequestID: NewRequestID(), IsAdmin: true}
}

// WithRequest stores rc in ctx. A missing request id is filled in.
func WithRequest(ctx context.Context, rc RequestContext) context.Context {
	if rc.RequestID == "" {
		rc.RequestID = NewRequestID()
	}
	return context.WithValue(ctx, contextKey{}, rc)
}

// RequestFrom retrieves the request context stored by WithRequest.
func RequestFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(RequestContext)
	return rc, ok
}

// RequestID returns the request id in ctx, or "" when none is set.
func RequestID(ctx context.Context) string {
	if rc, ok := RequestFrom(ctx); ok {
		return rc.RequestID
	}
	return ""
}
