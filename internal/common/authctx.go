package common

import (
	"context"
	"time"
)

// AuthContext is the verified caller identity for one in-flight request.
// It is created by the resource server guard and never shared between requests.
type AuthContext struct {
	Token     string
	Subject   string
	Name      string
	ClientID  string
	Issuer    string
	Audience  []string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether the token granted scope.
func (a *AuthContext) HasScope(scope string) bool {
	if a == nil {
		return false
	}
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every scope in required was granted.
func (a *AuthContext) HasAllScopes(required ...string) bool {
	for _, r := range required {
		if !a.HasScope(r) {
			return false
		}
	}
	return true
}

// DisplayName returns Name, falling back to Subject.
func (a *AuthContext) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Subject
}

type authContextKey struct{}

// WithAuthContext returns a copy of ctx carrying ac.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthContextFromContext retrieves the AuthContext from ctx, or nil for anonymous callers.
func AuthContextFromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return ac
}
