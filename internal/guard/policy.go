// Package guard is the Resource Server side of the authorization flow. It
// verifies bearer tokens in front of the MCP endpoint, applies per-tool
// policies and tells callers how to obtain a token when access is denied.
package guard

import "github.com/bobmcallan/mcpnotes/internal/oauth"

// ToolPolicy is the authorization requirement of one tool. The set of
// implementations is closed: Public, Required and Optional.
type ToolPolicy interface {
	toolPolicy()
}

// Public tools are always callable. A bad token is ignored.
type Public struct{}

// Required tools need a valid token carrying every scope in Scopes.
type Required struct {
	Scopes []string
}

// Optional tools run anonymously unless the caller presents a valid token
// carrying every scope in Scopes. A bad token is rejected.
type Optional struct {
	Scopes []string
}

func (Public) toolPolicy()   {}
func (Required) toolPolicy() {}
func (Optional) toolPolicy() {}

// Policies maps tool names to their policy. Tools missing from the map are
// passed through to the dispatcher untouched.
type Policies map[string]ToolPolicy

// ScopeString returns the space-delimited scope list advertised in challenges.
func ScopeString(p ToolPolicy) string {
	switch p := p.(type) {
	case Required:
		return oauth.FormatScopes(oauth.NormalizeScopes(p.Scopes))
	case Optional:
		return oauth.FormatScopes(oauth.NormalizeScopes(p.Scopes))
	default:
		return ""
	}
}
