package server

import (
	"net/http"
	"time"

	"github.com/bobmcallan/mcpnotes/internal/common"
)

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"storage": s.app.Config.Storage.Backend,
		"uptime":  time.Since(s.app.StartupTime).Round(time.Second).String(),
	})
}

// handleVersion handles GET /version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, common.GetBuildInfo())
}
