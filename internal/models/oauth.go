package models

import "time"

// TokenEndpointAuthNone is the only supported token endpoint auth method (public clients).
const TokenEndpointAuthNone = "none"

// OAuthClient represents a public OAuth 2.1 client.
//
// ClientID is either a server-generated id (DCR, static config) or the
// canonical HTTPS URL of a client metadata document.
type OAuthClient struct {
	ClientID                string    `json:"client_id"`
	ClientName              string    `json:"client_name"`
	RedirectURIs            []string  `json:"redirect_uris"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	MetadataDocument        bool      `json:"-"`
	CreatedAt               time.Time `json:"created_at"`
}

// HasRedirectURI reports whether uri is registered for the client (exact match).
func (c *OAuthClient) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// OAuthCode represents an authorization code issued during the OAuth flow.
type OAuthCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Resource            string    `json:"resource"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"` // always "S256"
	UserID              string    `json:"user_id"`
	UserName            string    `json:"user_name,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
}

// Expired reports whether the code's lifetime has elapsed at now.
func (c *OAuthCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
