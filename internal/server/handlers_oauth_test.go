package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/mcpnotes/internal/app"
	"github.com/bobmcallan/mcpnotes/internal/common"
)

const (
	testRedirectURI = "https://example-client.test/cb"
	testResource    = "http://localhost:8000/mcp"
	testIssuer      = "http://localhost:8000"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Auth.AllowedRedirectURIs = []string{testRedirectURI}
	cfg.Auth.Users = []common.UserConfig{{Username: "demo", Password: "demo", Name: "Demo User"}}
	a, err := app.New(cfg, common.NewSilentLogger())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return NewServer(a)
}

// pkceChallenge returns the RFC 7636 appendix B verifier and its S256 challenge.
func pkceChallenge() (verifier, challenge string) {
	verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func postForm(srv *Server, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return serve(srv, req)
}

func registerTestClient(t *testing.T, srv *Server) string {
	t.Helper()
	body := `{"client_name":"Test Client","redirect_uris":["` + testRedirectURI + `"],"token_endpoint_auth_method":"none"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(srv, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	clientID, _ := resp["client_id"].(string)
	require.NotEmpty(t, clientID)
	return clientID
}

func authorizeParams(clientID, challenge string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"notes:read profile"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"resource":              {testResource},
	}
}

// obtainCode drives the consent POST and returns the issued code.
func obtainCode(t *testing.T, srv *Server, clientID, challenge, scope string) string {
	t.Helper()
	form := authorizeParams(clientID, challenge)
	form.Set("scope", scope)
	form.Set("username", "demo")
	form.Set("password", "demo")
	form.Set("decision", "allow")
	rec := postForm(srv, "/authorize", form)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func tokenParams(clientID, code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"client_id":     {clientID},
		"code_verifier": {verifier},
		"resource":      {testResource},
	}
}

func decodeOAuthError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp["error"]
}

// --- Discovery ---

func TestAuthorizationServerMetadata(t *testing.T) {
	srv := newTestServer(t)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, testIssuer, meta["issuer"])
	assert.Equal(t, testIssuer+"/authorize", meta["authorization_endpoint"])
	assert.Equal(t, testIssuer+"/token", meta["token_endpoint"])
	assert.Equal(t, testIssuer+"/register", meta["registration_endpoint"])
	assert.Equal(t, []interface{}{"code"}, meta["response_types_supported"])
	assert.Equal(t, []interface{}{"authorization_code"}, meta["grant_types_supported"])
	assert.Equal(t, []interface{}{"none"}, meta["token_endpoint_auth_methods_supported"])
	assert.Equal(t, []interface{}{"S256"}, meta["code_challenge_methods_supported"])
	assert.Equal(t, []interface{}{"notes:read", "notes:write", "profile"}, meta["scopes_supported"])
	assert.Equal(t, true, meta["resource_indicators_supported"])
	assert.Equal(t, false, meta["client_id_metadata_document_supported"])
}

func TestAuthorizationServerMetadata_OIDCAliasIsIdentical(t *testing.T) {
	srv := newTestServer(t)

	a := serve(srv, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	b := serve(srv, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, b.Code)
	assert.JSONEq(t, a.Body.String(), b.Body.String())
}

func TestAuthorizationServerMetadata_AdvertisesMetadataDocuments(t *testing.T) {
	srv := newTestServer(t)
	srv.app.Config.Auth.MetadataAllowedHosts = []string{"clients.example.com"}

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, true, meta["client_id_metadata_document_supported"])
}

func TestAuthorizationServerMetadata_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	rec := serve(srv, httptest.NewRequest(http.MethodPost, "/.well-known/oauth-authorization-server", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProtectedResourceMetadata(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/.well-known/oauth-protected-resource", "/.well-known/oauth-protected-resource/mcp"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(srv, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

			var meta map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
			assert.Equal(t, testResource, meta["resource"])
			assert.Equal(t, []interface{}{testIssuer}, meta["authorization_servers"])
			assert.Equal(t, []interface{}{"header"}, meta["bearer_methods_supported"])
			assert.Equal(t, []interface{}{"notes:read", "notes:write", "profile"}, meta["scopes_supported"])
			assert.Equal(t, "http://localhost:8000", meta["resource_documentation"])
		})
	}
}

// --- Dynamic Client Registration ---

func TestRegister_Success(t *testing.T) {
	srv := newTestServer(t)

	body := `{"client_name":"Test Client","redirect_uris":["` + testRedirectURI + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	rec := serve(srv, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["client_id"])
	assert.Equal(t, "Test Client", resp["client_name"])
	assert.Equal(t, []interface{}{testRedirectURI}, resp["redirect_uris"])
	assert.Equal(t, "none", resp["token_endpoint_auth_method"])

	_, err := srv.app.Clients.Find(req.Context(), resp["client_id"].(string))
	assert.NoError(t, err)
}

func TestRegister_Rejections(t *testing.T) {
	srv := newTestServer(t)

	cases := map[string]string{
		"malformed json":           `{"redirect_uris":`,
		"missing redirect_uris":    `{"client_name":"x"}`,
		"redirect not allowed":     `{"redirect_uris":["https://evil.test/cb"]}`,
		"fragment in redirect":     `{"redirect_uris":["https://example-client.test/cb#frag"]}`,
		"confidential auth method": `{"redirect_uris":["` + testRedirectURI + `"],"token_endpoint_auth_method":"client_secret_basic"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(srv, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_client_metadata", decodeOAuthError(t, rec))
		})
	}
}

// --- Authorize ---

func TestAuthorize_GETRendersConsent(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	_, challenge := pkceChallenge()

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeParams(clientID, challenge).Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.Contains(t, body, "Test Client")
	assert.Contains(t, body, "<li>notes:read</li>")
	assert.Contains(t, body, "<li>profile</li>")
	assert.Contains(t, body, `name="code_challenge" value="`+challenge+`"`)
	assert.Contains(t, body, `name="resource" value="`+testResource+`"`)
	assert.Contains(t, body, `name="decision" value="deny"`)
}

func TestAuthorize_ValidationOrder(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	_, challenge := pkceChallenge()

	cases := []struct {
		name   string
		mutate func(url.Values)
		want   string
	}{
		{"bad response_type", func(v url.Values) { v.Set("response_type", "token"); v.Del("client_id") }, "invalid_request: response_type"},
		{"missing client_id", func(v url.Values) { v.Del("client_id") }, "invalid_request: client_id is required"},
		{"missing resource", func(v url.Values) { v.Del("resource"); v.Set("client_id", "unknown") }, "invalid_request: resource is required"},
		{"unknown client", func(v url.Values) { v.Set("client_id", "unknown"); v.Set("redirect_uri", "https://evil.test/cb") }, "unauthorized_client"},
		{"unregistered redirect", func(v url.Values) {
			v.Set("redirect_uri", "https://evil.test/cb")
			v.Set("code_challenge_method", "plain")
		}, "invalid_request: redirect_uri"},
		{"plain method", func(v url.Values) {
			v.Set("code_challenge_method", "plain")
			v.Set("resource", "https://other.test/mcp")
		}, "invalid_request: code_challenge_method"},
		{"resource mismatch", func(v url.Values) { v.Set("resource", "https://other.test/mcp"); v.Set("scope", "") }, "invalid_request: resource"},
		{"empty scope", func(v url.Values) { v.Set("scope", "  ") }, "invalid_request: scope is required"},
		{"unsupported scope", func(v url.Values) { v.Set("scope", "notes:read admin") }, "invalid_request: scope contains"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := authorizeParams(clientID, challenge)
			tc.mutate(params)
			rec := serve(srv, httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
			assert.Empty(t, rec.Header().Get("Location"), "errors must not redirect")
			assert.True(t, strings.HasPrefix(rec.Body.String(), tc.want), "got %q", rec.Body.String())
		})
	}
}

func TestAuthorize_POSTRevalidatesHiddenFields(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	_, challenge := pkceChallenge()

	form := authorizeParams(clientID, challenge)
	form.Set("redirect_uri", "https://evil.test/cb")
	form.Set("username", "demo")
	form.Set("password", "demo")
	form.Set("decision", "allow")

	rec := postForm(srv, "/authorize", form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestAuthorize_Deny(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	_, challenge := pkceChallenge()

	form := authorizeParams(clientID, challenge)
	form.Set("decision", "deny")
	rec := postForm(srv, "/authorize", form)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "example-client.test", loc.Host)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestAuthorize_BadCredentialsRerenders(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	_, challenge := pkceChallenge()

	for name, creds := range map[string][2]string{
		"wrong password": {"demo", "nope"},
		"unknown user":   {"mallory", "demo"},
		"empty password": {"demo", ""},
	} {
		t.Run(name, func(t *testing.T) {
			form := authorizeParams(clientID, challenge)
			form.Set("username", creds[0])
			form.Set("password", creds[1])
			form.Set("decision", "allow")

			rec := postForm(srv, "/authorize", form)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
			assert.Contains(t, rec.Body.String(), "Invalid username or password")
			assert.Contains(t, rec.Body.String(), `name="client_id" value="`+clientID+`"`)
		})
	}
}

func TestAuthorize_UnknownDecision(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	_, challenge := pkceChallenge()

	form := authorizeParams(clientID, challenge)
	form.Set("decision", "maybe")
	rec := postForm(srv, "/authorize", form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestAuthorize_IssuesCode(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	_, challenge := pkceChallenge()

	form := authorizeParams(clientID, challenge)
	form.Set("scope", "profile notes:read profile")
	form.Set("username", "demo")
	form.Set("password", "demo")
	form.Set("decision", "allow")
	rec := postForm(srv, "/authorize", form)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	assert.Len(t, code, 64)

	stored, err := srv.app.Storage.CodeStore().GetCode(t.Context(), code)
	require.NoError(t, err)
	assert.Equal(t, clientID, stored.ClientID)
	assert.Equal(t, testRedirectURI, stored.RedirectURI)
	assert.Equal(t, testResource, stored.Resource)
	assert.Equal(t, "notes:read profile", stored.Scope)
	assert.Equal(t, challenge, stored.CodeChallenge)
	assert.Equal(t, "Demo User", stored.UserName)
	assert.NotEmpty(t, stored.UserID)
	assert.False(t, stored.Used)
	assert.Equal(t, 5*time.Minute, stored.ExpiresAt.Sub(stored.CreatedAt))
}

// --- Token ---

func TestToken_Success(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	verifier, challenge := pkceChallenge()
	code := obtainCode(t, srv, clientID, challenge, "notes:read profile")

	rec := postForm(srv, "/token", tokenParams(clientID, code, verifier))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp["token_type"])
	assert.Equal(t, float64(3600), resp["expires_in"])
	assert.Equal(t, "notes:read profile", resp["scope"])

	claims, err := srv.app.Tokens.Verify(resp["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, []string{testResource}, []string(claims.Audience))
	assert.Equal(t, "Demo User", claims.Name)
	assert.Equal(t, clientID, claims.ClientID)
	assert.Equal(t, []string{"notes:read", "profile"}, claims.Scopes())
}

func TestToken_GrantTypeErrors(t *testing.T) {
	srv := newTestServer(t)

	rec := postForm(srv, "/token", url.Values{"grant_type": {"refresh_token"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_grant_type", decodeOAuthError(t, rec))

	rec = postForm(srv, "/token", url.Values{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeOAuthError(t, rec))
}

func TestToken_MissingParameters(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	verifier, _ := pkceChallenge()

	for _, param := range []string{"code", "redirect_uri", "client_id", "code_verifier", "resource"} {
		t.Run(param, func(t *testing.T) {
			form := tokenParams(clientID, "some-code", verifier)
			form.Del(param)
			rec := postForm(srv, "/token", form)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", decodeOAuthError(t, rec))
		})
	}
}

func TestToken_UnknownClient(t *testing.T) {
	srv := newTestServer(t)
	verifier, _ := pkceChallenge()

	rec := postForm(srv, "/token", tokenParams("unknown", "some-code", verifier))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unauthorized_client", decodeOAuthError(t, rec))
}

func TestToken_UnknownCode(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	verifier, _ := pkceChallenge()

	rec := postForm(srv, "/token", tokenParams(clientID, "not-a-code", verifier))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, rec))
}

func TestToken_CodeIsSingleUse(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	verifier, challenge := pkceChallenge()
	code := obtainCode(t, srv, clientID, challenge, "profile")

	first := postForm(srv, "/token", tokenParams(clientID, code, verifier))
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := postForm(srv, "/token", tokenParams(clientID, code, verifier))
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, second))
}

func TestToken_ConcurrentRedemptionSucceedsOnce(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	verifier, challenge := pkceChallenge()
	code := obtainCode(t, srv, clientID, challenge, "profile")

	const n = 20
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = postForm(srv, "/token", tokenParams(clientID, code, verifier)).Code
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, s := range statuses {
		if s == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusBadRequest, s)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestToken_ExpiredCode(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	verifier, challenge := pkceChallenge()
	code := obtainCode(t, srv, clientID, challenge, "profile")

	srv.app.Now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	rec := postForm(srv, "/token", tokenParams(clientID, code, verifier))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, rec))
}

func TestToken_Bindings(t *testing.T) {
	srv := newTestServer(t)
	clientID := registerTestClient(t, srv)
	otherClient := registerTestClient(t, srv)
	verifier, challenge := pkceChallenge()

	cases := []struct {
		name   string
		mutate func(url.Values)
		want   string
	}{
		{"other client", func(v url.Values) { v.Set("client_id", otherClient) }, "invalid_grant"},
		{"other resource", func(v url.Values) { v.Set("resource", "https://other.test/mcp") }, "invalid_request"},
		{"wrong verifier", func(v url.Values) { v.Set("code_verifier", strings.Repeat("a", 43)) }, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := obtainCode(t, srv, clientID, challenge, "profile")
			form := tokenParams(clientID, code, verifier)
			tc.mutate(form)

			rec := postForm(srv, "/token", form)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.want, decodeOAuthError(t, rec))

			// A failed binding check does not consume the code.
			rec = postForm(srv, "/token", tokenParams(clientID, code, verifier))
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		})
	}
}

func TestToken_RedirectMismatch(t *testing.T) {
	srv := newTestServer(t)
	client, err := srv.app.Clients.Find(t.Context(), registerTestClient(t, srv))
	require.NoError(t, err)
	client.RedirectURIs = append(client.RedirectURIs, "https://example-client.test/other")
	require.NoError(t, srv.app.Storage.ClientStore().SaveClient(t.Context(), client))

	verifier, challenge := pkceChallenge()
	code := obtainCode(t, srv, client.ClientID, challenge, "profile")

	form := tokenParams(client.ClientID, code, verifier)
	form.Set("redirect_uri", "https://example-client.test/other")
	rec := postForm(srv, "/token", form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeOAuthError(t, rec))
}

func TestToken_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/token", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
