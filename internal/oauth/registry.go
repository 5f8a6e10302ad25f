package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/interfaces"
	"github.com/bobmcallan/mcpnotes/internal/metrics"
	"github.com/bobmcallan/mcpnotes/internal/models"
)

const (
	maxClientNameLength = 200
	maxRedirectURIs     = 10
)

// RegistrationRequest is the RFC 7591 registration body.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// ClientRegistryConfig configures a ClientRegistry.
type ClientRegistryConfig struct {
	// AllowedRedirectURIs is the closed list DCR redirect URIs must come from.
	AllowedRedirectURIs []string
	// Production disables the loopback redirect carve-out for metadata clients.
	Production bool
	Resolver   *MetadataResolver
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// ClientRegistry registers and resolves public OAuth clients.
type ClientRegistry struct {
	store            interfaces.ClientStore
	allowedRedirects map[string]struct{}
	production       bool
	resolver         *MetadataResolver
	metrics          *metrics.Metrics
	logger           *common.Logger
	now              func() time.Time
}

// NewClientRegistry creates a registry over store.
func NewClientRegistry(store interfaces.ClientStore, cfg ClientRegistryConfig, logger *common.Logger) *ClientRegistry {
	r := &ClientRegistry{
		store:            store,
		allowedRedirects: make(map[string]struct{}, len(cfg.AllowedRedirectURIs)),
		production:       cfg.Production,
		resolver:         cfg.Resolver,
		metrics:          cfg.Metrics,
		logger:           logger,
		now:              cfg.Now,
	}
	for _, uri := range cfg.AllowedRedirectURIs {
		r.allowedRedirects[uri] = struct{}{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = common.NewSilentLogger()
	}
	return r
}

// ValidateRedirectURI checks uri is an absolute http(s) URI without a fragment.
func ValidateRedirectURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("redirect_uri must not be empty")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri: %s", uri)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("redirect_uri must be absolute: %s", uri)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("redirect_uri must use http or https scheme: %s", uri)
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return fmt.Errorf("redirect_uri must not contain a fragment: %s", uri)
	}
	return nil
}

// Register handles dynamic client registration. Every failure is an
// invalid_client_metadata *Error.
func (r *ClientRegistry) Register(ctx context.Context, req RegistrationRequest) (*models.OAuthClient, error) {
	if len(req.ClientName) > maxClientNameLength {
		return nil, Errorf(ErrInvalidClientMetadata, "client_name must not exceed %d characters", maxClientNameLength)
	}
	if len(req.RedirectURIs) == 0 {
		return nil, Errorf(ErrInvalidClientMetadata, "redirect_uris is required")
	}
	if len(req.RedirectURIs) > maxRedirectURIs {
		return nil, Errorf(ErrInvalidClientMetadata, "redirect_uris must not contain more than %d URIs", maxRedirectURIs)
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, &Error{Code: ErrInvalidClientMetadata, Description: err.Error()}
		}
		if _, ok := r.allowedRedirects[uri]; !ok {
			return nil, Errorf(ErrInvalidClientMetadata, "redirect_uri is not allowed: %s", uri)
		}
	}
	method := req.TokenEndpointAuthMethod
	if method == "" {
		method = models.TokenEndpointAuthNone
	}
	if method != models.TokenEndpointAuthNone {
		return nil, Errorf(ErrInvalidClientMetadata, "token_endpoint_auth_method must be %q", models.TokenEndpointAuthNone)
	}

	client := &models.OAuthClient{
		ClientID:                uuid.New().String(),
		ClientName:              strings.TrimSpace(req.ClientName),
		RedirectURIs:            dedupe(req.RedirectURIs),
		TokenEndpointAuthMethod: method,
		CreatedAt:               r.now(),
	}
	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}
	r.metrics.ClientRegistered("dcr")
	r.logger.Info().
		Str("client_id", client.ClientID).
		Str("client_name", client.ClientName).
		Msg("Registered OAuth client")
	return client, nil
}

// PreRegister stores an operator-configured client. Its redirect URIs are
// trusted and do not have to come from the DCR allow-list.
func (r *ClientRegistry) PreRegister(ctx context.Context, client *models.OAuthClient) error {
	if client.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if len(client.RedirectURIs) == 0 {
		return fmt.Errorf("client %s: redirect_uris is required", client.ClientID)
	}
	for _, uri := range client.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return fmt.Errorf("client %s: %w", client.ClientID, err)
		}
	}
	if client.TokenEndpointAuthMethod == "" {
		client.TokenEndpointAuthMethod = models.TokenEndpointAuthNone
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = r.now()
	}
	if err := r.store.SaveClient(ctx, client); err != nil {
		return err
	}
	r.metrics.ClientRegistered("static")
	return nil
}

// Find looks up a statically or dynamically registered client.
func (r *ClientRegistry) Find(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	return r.store.GetClient(ctx, clientID)
}

// Resolve finds the client for clientID as the authorize and token endpoints
// do: through its metadata document when clientID is an allowed https URL,
// otherwise by direct lookup. Failures are unauthorized_client.
func (r *ClientRegistry) Resolve(ctx context.Context, clientID, redirectURI string) (*models.OAuthClient, error) {
	if r.resolver != nil && r.resolver.Accepts(clientID) {
		client, err := r.ResolveByMetadataURL(ctx, clientID, redirectURI)
		if err != nil {
			return nil, Errorf(ErrUnauthorizedClient, "client metadata document could not be resolved")
		}
		return client, nil
	}

	client, err := r.Find(ctx, clientID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			r.logger.Error().Err(err).Str("client_id", clientID).Msg("Client lookup failed")
		}
		return nil, Errorf(ErrUnauthorizedClient, "unknown client_id")
	}
	return client, nil
}

// ResolveByMetadataURL fetches the client's metadata document and upserts the
// client. Outside production a loopback redirectURI is accepted when the
// document declares a loopback redirect with the same scheme and path, so
// native clients may pick an ephemeral port.
func (r *ClientRegistry) ResolveByMetadataURL(ctx context.Context, clientID, redirectURI string) (*models.OAuthClient, error) {
	if r.resolver == nil {
		return nil, fmt.Errorf("%w: metadata documents are not enabled", ErrClientMetadata)
	}
	doc, err := r.resolver.Resolve(ctx, clientID)
	if err != nil {
		return nil, err
	}

	redirects := dedupe(doc.RedirectURIs)
	if redirectURI != "" && !contains(redirects, redirectURI) && !r.production && loopbackVariant(redirectURI, redirects) {
		r.logger.Warn().
			Str("client_id", doc.ClientID).
			Str("redirect_uri", redirectURI).
			Msg("Accepting loopback redirect_uri with unregistered port")
		redirects = append(redirects, redirectURI)
	}

	existing, err := r.store.GetClient(ctx, doc.ClientID)
	if err == nil && existing.ClientName == doc.ClientName && sameSet(existing.RedirectURIs, redirects) {
		return existing, nil
	}
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	client := &models.OAuthClient{
		ClientID:                doc.ClientID,
		ClientName:              doc.ClientName,
		RedirectURIs:            redirects,
		TokenEndpointAuthMethod: models.TokenEndpointAuthNone,
		MetadataDocument:        true,
		CreatedAt:               r.now(),
	}
	if existing != nil {
		client.CreatedAt = existing.CreatedAt
	} else {
		r.metrics.ClientRegistered("metadata_document")
	}
	if err := r.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}
	return client, nil
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func loopbackVariant(requested string, registered []string) bool {
	ru, err := url.Parse(requested)
	if err != nil || !IsLoopbackHost(ru.Hostname()) || ValidateRedirectURI(requested) != nil {
		return false
	}
	for _, reg := range registered {
		u, err := url.Parse(reg)
		if err != nil || !IsLoopbackHost(u.Hostname()) {
			continue
		}
		if u.Scheme == ru.Scheme && u.Path == ru.Path {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	a, b = dedupe(a), dedupe(b)
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		if !contains(b, v) {
			return false
		}
	}
	return true
}
