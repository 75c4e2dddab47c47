// ABOUTME: Authenticated identity carried through request handlers and hub sessions
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Roles recognised on dashboard identities
const (
	RoleAgent   = "agent"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// Identity is the decoded caller of a dashboard connection or API request.
type Identity struct {
	UserID         string `json:"id"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role"`
	OrganizationID string `json:"organizationId"`
}

// IsAdmin returns true if the identity has the admin or manager role.
func (i *Identity) IsAdmin() bool {
	return i != nil && (i.Role == RoleAdmin || i.Role == RoleManager)
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
