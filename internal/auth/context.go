// Package auth verifies bearer credentials and produces the AuthContext
// used for every admission decision in the gateway.
package auth

import (
	"context"
	"time"
)

// WildcardPermission grants every permission check.
const WildcardPermission = "*"

// AdminRole short-circuits role and ownership checks.
const AdminRole = "admin"

// AuthContext is the validated, decoded representation of a credential.
// It is derived per request and never stored.
type AuthContext struct {
	SubjectID   string
	Username    string
	Roles       []string
	Permissions []string
	Scopes      []string
	SessionID   string
	Issuer      string
	Audience    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Active      bool
}

// HasRole reports whether the subject holds the given role.
func (a *AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the subject holds the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.HasRole(AdminRole)
}

// HasPermission reports whether the subject holds the given permission or
// the wildcard.
func (a *AuthContext) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm || p == WildcardPermission {
			return true
		}
	}
	return false
}

type authContextKey struct{}

// WithContext attaches an AuthContext to a context.
func WithContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext extracts the AuthContext, or nil for anonymous requests.
func FromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return ac
}
