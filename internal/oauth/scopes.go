package oauth

import (
	"sort"
	"strings"
)

// Supported scopes.
const (
	ScopeProfile    = "profile"
	ScopeNotesRead  = "notes:read"
	ScopeNotesWrite = "notes:write"
)

// ScopeRegistry is a closed vocabulary of scope strings.
type ScopeRegistry struct {
	supported map[string]struct{}
	ordered   []string
}

// NewScopeRegistry builds a registry from scopes. Duplicates are ignored.
func NewScopeRegistry(scopes ...string) *ScopeRegistry {
	r := &ScopeRegistry{supported: make(map[string]struct{}, len(scopes))}
	for _, s := range NormalizeScopes(scopes) {
		r.supported[s] = struct{}{}
		r.ordered = append(r.ordered, s)
	}
	return r
}

// DefaultScopes returns the registry for the notes server.
func DefaultScopes() *ScopeRegistry {
	return NewScopeRegistry(ScopeProfile, ScopeNotesRead, ScopeNotesWrite)
}

// Supported lists the vocabulary in sorted order.
func (r *ScopeRegistry) Supported() []string {
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// IsSupported reports whether scope is in the vocabulary.
func (r *ScopeRegistry) IsSupported(scope string) bool {
	_, ok := r.supported[scope]
	return ok
}

// IsSubsetOfSupported reports whether every entry of scopes is supported.
// An empty list is trivially a subset.
func (r *ScopeRegistry) IsSubsetOfSupported(scopes []string) bool {
	for _, s := range scopes {
		if !r.IsSupported(s) {
			return false
		}
	}
	return true
}

// ParseScopes splits a space-delimited scope parameter, dropping empties.
func ParseScopes(scope string) []string {
	return strings.Fields(scope)
}

// NormalizeScopes returns the sorted, de-duplicated scope list.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FormatScopes joins scopes into the space-delimited wire form.
func FormatScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// HasAllScopes reports whether granted contains every entry of required.
func HasAllScopes(granted, required []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
