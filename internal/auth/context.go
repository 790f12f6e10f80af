// ABOUTME: Authentication context for tracking the signed-in user through handlers
// ABOUTME: The HTTP middleware stores it; API handlers read it back

package auth

import "context"

// AuthContext holds the authenticated user extracted from a request.
type AuthContext struct {
	UserID string
	Email  string
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext returns the signed-in user, or nil outside the middleware.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext is FromContext for handlers mounted behind
// HTTPAuthMiddleware, where a missing user is a wiring bug.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
