package server

import (
	"net/http"

	"github.com/bobmcallan/mcpnotes/internal/guard"
)

// handleProtectedResourceMetadata handles GET /.well-known/oauth-protected-resource
// (RFC 9728). The document is what WWW-Authenticate challenges point at.
func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	auth := s.app.Config.Auth
	docs := auth.DocumentationURL
	if docs == "" {
		docs = s.app.Config.Server.BaseURL
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	WriteJSON(w, http.StatusOK, guard.ProtectedResourceMetadata{
		Resource:               auth.Resource,
		AuthorizationServers:   []string{auth.Issuer},
		ScopesSupported:        s.app.Scopes.Supported(),
		BearerMethodsSupported: []string{"header"},
		ResourceDocumentation:  docs,
	})
}
