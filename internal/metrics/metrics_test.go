package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.CodeIssued()
	m.TokenIssued()
	m.OAuthError("token", "invalid_grant")
	m.GuardDecision("whoami", "allow")
	m.MetadataFetch("hit")
	m.ClientRegistered("dcr")
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_CountersExposed(t *testing.T) {
	m := New()
	m.CodeIssued()
	m.TokenIssued()
	m.TokenIssued()
	m.GuardDecision("whoami", "deny_401")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "mcpnotes_oauth_codes_issued_total 1"))
	assert.True(t, strings.Contains(body, "mcpnotes_oauth_tokens_issued_total 2"))
	assert.True(t, strings.Contains(body, `mcpnotes_guard_decisions_total{decision="deny_401",tool="whoami"} 1`))
}
