package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"golang.org/x/crypto/bcrypt"

	"github.com/bobmcallan/mcpnotes/internal/app"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/models"
	"github.com/bobmcallan/mcpnotes/internal/oauth"
)

// --- Well-Known Metadata Endpoints ---

type authorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ClientIDMetadataDocumentSupported bool     `json:"client_id_metadata_document_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResourceIndicatorsSupported       bool     `json:"resource_indicators_supported"`
}

// handleAuthorizationServerMetadata handles GET /.well-known/oauth-authorization-server
// and its /.well-known/openid-configuration alias (RFC 8414).
func (s *Server) handleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	issuer := s.app.Config.Auth.Issuer
	WriteJSON(w, http.StatusOK, authorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RegistrationEndpoint:              issuer + "/register",
		ClientIDMetadataDocumentSupported: len(s.app.Config.Auth.MetadataAllowedHosts) > 0,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{models.TokenEndpointAuthNone},
		CodeChallengeMethodsSupported:     []string{oauth.CodeChallengeMethodS256},
		ScopesSupported:                   s.app.Scopes.Supported(),
		ResourceIndicatorsSupported:       true,
	})
}

// --- Dynamic Client Registration (RFC 7591) ---

// handleRegister handles POST /register. Only redirect URIs from the
// configured allow-list are accepted.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req oauth.RegistrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeOAuthError(w, "register", &oauth.Error{
			Code:        oauth.ErrInvalidClientMetadata,
			Description: "request body must be a JSON client metadata object",
		})
		return
	}

	client, err := s.app.Clients.Register(r.Context(), req)
	if err != nil {
		s.writeOAuthError(w, "register", err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"client_id":                  client.ClientID,
		"client_id_issued_at":        client.CreatedAt.Unix(),
		"client_name":                client.ClientName,
		"redirect_uris":              client.RedirectURIs,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"grant_types":                []string{"authorization_code"},
		"response_types":             []string{"code"},
	})
}

// --- Authorization Endpoint ---

// authorizeRequest holds the parameters shared by GET and POST /authorize.
type authorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

func authorizeRequestFrom(v url.Values) authorizeRequest {
	return authorizeRequest{
		ResponseType:        v.Get("response_type"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Resource:            v.Get("resource"),
	}
}

// validateAuthorize checks an authorize request in a fixed order and returns
// the resolved client and the normalized requested scopes. A failure is
// always an *oauth.Error; the redirect_uri is never trusted before step 4.
func (s *Server) validateAuthorize(ctx context.Context, req authorizeRequest) (*models.OAuthClient, []string, error) {
	if req.ResponseType != "code" {
		return nil, nil, oauth.Errorf(oauth.ErrInvalidRequest, "response_type must be 'code'")
	}

	for _, p := range []struct{ name, value string }{
		{"client_id", req.ClientID},
		{"redirect_uri", req.RedirectURI},
		{"code_challenge", req.CodeChallenge},
		{"code_challenge_method", req.CodeChallengeMethod},
		{"resource", req.Resource},
	} {
		if p.value == "" {
			return nil, nil, oauth.Errorf(oauth.ErrInvalidRequest, "%s is required", p.name)
		}
	}

	client, err := s.app.Clients.Resolve(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, nil, err
	}

	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, nil, oauth.Errorf(oauth.ErrInvalidRequest, "redirect_uri is not registered for this client")
	}

	if req.CodeChallengeMethod != oauth.CodeChallengeMethodS256 {
		return nil, nil, oauth.Errorf(oauth.ErrInvalidRequest, "code_challenge_method must be 'S256'")
	}

	if req.Resource != s.app.Config.Auth.Resource {
		return nil, nil, oauth.Errorf(oauth.ErrInvalidRequest, "resource does not match this server")
	}

	scopes := oauth.ParseScopes(req.Scope)
	if len(scopes) == 0 {
		return nil, nil, oauth.Errorf(oauth.ErrInvalidRequest, "scope is required")
	}
	if !s.app.Scopes.IsSubsetOfSupported(scopes) {
		return nil, nil, oauth.Errorf(oauth.ErrInvalidRequest, "scope contains an unsupported value")
	}

	return client, oauth.NormalizeScopes(scopes), nil
}

// handleAuthorize handles GET and POST /authorize.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleAuthorizeGET(w, r)
	case http.MethodPost:
		s.handleAuthorizePOST(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleAuthorizeGET(w http.ResponseWriter, r *http.Request) {
	req := authorizeRequestFrom(r.URL.Query())

	client, scopes, err := s.validateAuthorize(r.Context(), req)
	if err != nil {
		s.writeAuthorizeError(w, err)
		return
	}

	s.renderConsentPage(w, http.StatusOK, newConsentData(client, req, scopes))
}

func (s *Server) handleAuthorizePOST(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeAuthorizeError(w, oauth.Errorf(oauth.ErrInvalidRequest, "invalid form data"))
		return
	}

	// The hidden fields round-tripped through the consent page are revalidated
	// exactly as the GET parameters were.
	req := authorizeRequestFrom(r.PostForm)
	client, scopes, err := s.validateAuthorize(r.Context(), req)
	if err != nil {
		s.writeAuthorizeError(w, err)
		return
	}

	switch r.PostForm.Get("decision") {
	case "deny":
		s.app.Metrics.OAuthError("authorize", string(oauth.ErrAccessDenied))
		s.logger.Info().Str("client_id", client.ClientID).Msg("Authorization denied by user")
		http.Redirect(w, r, buildDenyURL(req.RedirectURI, req.State), http.StatusFound)
		return
	case "allow":
	default:
		s.writeAuthorizeError(w, oauth.Errorf(oauth.ErrInvalidRequest, "decision must be 'allow' or 'deny'"))
		return
	}

	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	user, ok := s.authenticateUser(r.Context(), username, password)
	if !ok {
		data := newConsentData(client, req, scopes)
		data.Username = username
		data.Error = "Invalid username or password"
		s.renderConsentPage(w, http.StatusUnauthorized, data)
		return
	}

	code, err := generateCode()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate auth code")
		s.writeAuthorizeError(w, err)
		return
	}

	now := s.app.Now()
	oauthCode := &models.OAuthCode{
		Code:                code,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Resource:            req.Resource,
		Scope:               oauth.FormatScopes(scopes),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              user.UserID,
		UserName:            user.Name,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.app.Config.Auth.GetCodeExpiry()),
	}
	if err := s.app.Storage.CodeStore().SaveCode(r.Context(), oauthCode); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save auth code")
		s.writeAuthorizeError(w, err)
		return
	}
	s.app.Metrics.CodeIssued()
	s.logger.Info().
		Str("client_id", client.ClientID).
		Str("user_id", user.UserID).
		Str("scope", oauthCode.Scope).
		Msg("Authorization code issued")

	// Redirect back to client with code, keeping any query the redirect_uri already has
	u, _ := url.Parse(req.RedirectURI)
	q := u.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// authenticateUser checks demo credentials. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (s *Server) authenticateUser(ctx context.Context, username, password string) (*models.User, bool) {
	if username == "" || password == "" {
		return nil, false
	}
	user, err := s.app.Storage.UserStore().GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Error().Err(err).Msg("User lookup failed")
		}
		return nil, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), app.TruncatePassword(password)); err != nil {
		return nil, false
	}
	return user, true
}

// generateCode returns 256 bits of randomness, hex encoded.
func generateCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// writeAuthorizeError shows an authorize failure directly as plain text.
// It never redirects, since the redirect_uri may not have been verified.
func (s *Server) writeAuthorizeError(w http.ResponseWriter, err error) {
	oe := oauth.AsError(err)
	s.app.Metrics.OAuthError("authorize", string(oe.Code))
	status := http.StatusBadRequest
	if oe.Code == oauth.ErrServerError {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Error(w, oe.Error(), status)
}

// --- Token Endpoint ---

// handleToken handles POST /token for the authorization_code grant.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, "token", oauth.Errorf(oauth.ErrInvalidRequest, "invalid form data"))
		return
	}

	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		s.handleTokenAuthCode(w, r)
	case "":
		s.writeOAuthError(w, "token", oauth.Errorf(oauth.ErrInvalidRequest, "grant_type is required"))
	default:
		s.writeOAuthError(w, "token", oauth.Errorf(oauth.ErrUnsupportedGrantType, "grant_type must be 'authorization_code'"))
	}
}

func (s *Server) handleTokenAuthCode(w http.ResponseWriter, r *http.Request) {
	form := r.PostForm
	code := form.Get("code")
	redirectURI := form.Get("redirect_uri")
	clientID := form.Get("client_id")
	codeVerifier := form.Get("code_verifier")
	resource := form.Get("resource")

	if code == "" || redirectURI == "" || clientID == "" || codeVerifier == "" || resource == "" {
		s.writeOAuthError(w, "token", oauth.Errorf(oauth.ErrInvalidRequest,
			"code, redirect_uri, client_id, code_verifier, and resource are all required"))
		return
	}

	ctx := r.Context()
	if _, err := s.app.Clients.Resolve(ctx, clientID, redirectURI); err != nil {
		s.writeOAuthError(w, "token", err)
		return
	}

	oauthCode, err := s.redeemCode(ctx, code, clientID, redirectURI, resource, codeVerifier)
	if err != nil {
		s.writeOAuthError(w, "token", err)
		return
	}

	accessToken, claims, err := s.app.Tokens.Sign(oauth.SignParams{
		Subject:  oauthCode.UserID,
		Scope:    oauthCode.Scope,
		Name:     oauthCode.UserName,
		ClientID: oauthCode.ClientID,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to sign access token")
		s.writeOAuthError(w, "token", err)
		return
	}
	s.app.Metrics.TokenIssued()
	s.logger.Info().
		Str("client_id", clientID).
		Str("user_id", oauthCode.UserID).
		Str("scope", oauthCode.Scope).
		Str("jti", claims.ID).
		Msg("Access token issued")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(s.app.Tokens.TTL().Seconds()),
		"scope":        oauthCode.Scope,
	})
}

// redeemCode runs the redemption checks in order, stopping at the first
// failure, then marks the code used. MarkCodeUsed is a compare-and-swap so
// of two concurrent redemptions exactly one succeeds.
func (s *Server) redeemCode(ctx context.Context, code, clientID, redirectURI, resource, codeVerifier string) (*models.OAuthCode, error) {
	store := s.app.Storage.CodeStore()

	oauthCode, err := store.GetCode(ctx, code)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, oauth.Errorf(oauth.ErrInvalidGrant, "invalid authorization code")
		}
		return nil, err
	}
	if oauthCode.Used {
		return nil, oauth.Errorf(oauth.ErrInvalidGrant, "authorization code already used")
	}
	if oauthCode.Expired(s.app.Now()) {
		return nil, oauth.Errorf(oauth.ErrInvalidGrant, "authorization code expired")
	}
	if oauthCode.ClientID != clientID {
		return nil, oauth.Errorf(oauth.ErrInvalidGrant, "client_id mismatch")
	}
	if oauthCode.RedirectURI != redirectURI {
		return nil, oauth.Errorf(oauth.ErrInvalidGrant, "redirect_uri mismatch")
	}
	if oauthCode.Resource != resource || resource != s.app.Config.Auth.Resource {
		return nil, oauth.Errorf(oauth.ErrInvalidRequest, "resource mismatch")
	}
	if !oauth.VerifyPKCE(codeVerifier, oauthCode.CodeChallenge) {
		return nil, oauth.Errorf(oauth.ErrInvalidRequest, "code_verifier does not match code_challenge")
	}

	if err := store.MarkCodeUsed(ctx, code); err != nil {
		if errors.Is(err, interfaces.ErrCodeUsed) || errors.Is(err, interfaces.ErrNotFound) {
			return nil, oauth.Errorf(oauth.ErrInvalidGrant, "authorization code already used")
		}
		return nil, err
	}
	return oauthCode, nil
}

// writeOAuthError writes an OAuth 2.0 error response (RFC 6749 section 5.2).
// Unclassified errors are logged and reported as server_error.
func (s *Server) writeOAuthError(w http.ResponseWriter, endpoint string, err error) {
	oe := oauth.AsError(err)
	if oe.Code == oauth.ErrServerError {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("OAuth request failed")
	}
	s.app.Metrics.OAuthError(endpoint, string(oe.Code))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oe.Code.Status())
	body := map[string]string{"error": string(oe.Code)}
	if oe.Description != "" {
		body["error_description"] = oe.Description
	}
	json.NewEncoder(w).Encode(body)
}
