package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/metrics"
	"github.com/bobmcallan/mcpnotes/internal/models"
)

// ErrClientMetadata is wrapped by every client metadata document failure.
var ErrClientMetadata = errors.New("client metadata document rejected")

const (
	maxClientMetadataSize = 100 * 1024

	defaultMetadataFetchTimeout = 5 * time.Second
	defaultMetadataCacheTTL     = 5 * time.Minute
)

// ClientMetadataDocument is the JSON document a client hosts at the URL it
// uses as its client_id.
type ClientMetadataDocument struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

type cachedDocument struct {
	doc          *ClientMetadataDocument
	etag         string
	lastModified string
	expiresAt    time.Time
}

func (c *cachedDocument) fresh(now time.Time) bool {
	return now.Before(c.expiresAt)
}

// MetadataResolverConfig configures a MetadataResolver.
type MetadataResolverConfig struct {
	AllowedHosts []string
	Timeout      time.Duration
	// FallbackTTL is used when a response carries no freshness information.
	FallbackTTL time.Duration
	HTTPClient  *http.Client
	Now         func() time.Time
	Metrics     *metrics.Metrics
}

// MetadataResolver fetches client metadata documents from an explicit host
// allow-list and caches them according to the response's HTTP caching headers.
type MetadataResolver struct {
	httpClient   *http.Client
	allowedHosts map[string]struct{}
	timeout      time.Duration
	fallbackTTL  time.Duration
	now          func() time.Time
	logger       *common.Logger
	metrics      *metrics.Metrics

	mu    sync.Mutex
	cache map[string]*cachedDocument
	group singleflight.Group
}

// NewMetadataResolver creates a resolver. With no allowed hosts it refuses every URL.
func NewMetadataResolver(cfg MetadataResolverConfig, logger *common.Logger) *MetadataResolver {
	m := &MetadataResolver{
		httpClient:   cfg.HTTPClient,
		allowedHosts: make(map[string]struct{}, len(cfg.AllowedHosts)),
		timeout:      cfg.Timeout,
		fallbackTTL:  cfg.FallbackTTL,
		now:          cfg.Now,
		logger:       logger,
		metrics:      cfg.Metrics,
		cache:        make(map[string]*cachedDocument),
	}
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			m.allowedHosts[h] = struct{}{}
		}
	}
	// Redirects are never followed: the document must come from the
	// allow-listed URL itself, so a 3xx fails closed as a non-200.
	client := &http.Client{}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		client = &c
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	m.httpClient = client
	if m.timeout <= 0 {
		m.timeout = defaultMetadataFetchTimeout
	}
	if m.fallbackTTL <= 0 {
		m.fallbackTTL = defaultMetadataCacheTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = common.NewSilentLogger()
	}
	return m
}

// CanonicalURL validates clientID as a metadata document URL and returns
// its canonical form. The URL must be https, carry a non-root path, have
// no fragment and name an allowed host.
func (m *MetadataResolver) CanonicalURL(clientID string) (string, error) {
	if clientID == "" {
		return "", fmt.Errorf("%w: empty client_id", ErrClientMetadata)
	}
	u, err := url.Parse(clientID)
	if err != nil {
		return "", fmt.Errorf("%w: invalid URL: %v", ErrClientMetadata, err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be https", ErrClientMetadata)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrClientMetadata)
	}
	if u.Path == "" || u.Path == "/" {
		return "", fmt.Errorf("%w: URL must contain a path component", ErrClientMetadata)
	}
	if u.Fragment != "" || strings.Contains(clientID, "#") {
		return "", fmt.Errorf("%w: URL must not contain a fragment", ErrClientMetadata)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: URL must not contain credentials", ErrClientMetadata)
	}
	if _, ok := m.allowedHosts[strings.ToLower(u.Hostname())]; !ok {
		return "", fmt.Errorf("%w: host %q is not allowed", ErrClientMetadata, u.Hostname())
	}
	return u.String(), nil
}

// Accepts reports whether clientID would be resolved as a metadata document URL.
func (m *MetadataResolver) Accepts(clientID string) bool {
	_, err := m.CanonicalURL(clientID)
	return err == nil
}

// Resolve returns the validated document for clientID, from cache when fresh.
// Concurrent lookups for the same URL share one fetch.
func (m *MetadataResolver) Resolve(ctx context.Context, clientID string) (*ClientMetadataDocument, error) {
	canonical, err := m.CanonicalURL(clientID)
	if err != nil {
		m.metrics.MetadataFetch("refused")
		return nil, err
	}

	m.mu.Lock()
	cached := m.cache[canonical]
	m.mu.Unlock()
	if cached != nil && cached.fresh(m.now()) {
		m.metrics.MetadataFetch("cache_hit")
		return cached.doc, nil
	}

	ch := m.group.DoChan(canonical, func() (interface{}, error) {
		return m.fetch(ctx, canonical, cached)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		m.metrics.MetadataFetch("error")
		return nil, fmt.Errorf("%w: %v", ErrClientMetadata, ctx.Err())
	}
	v, err := res.Val, res.Err
	if err != nil {
		m.metrics.MetadataFetch("error")
		m.logger.Warn().Err(err).Str("client_id", canonical).Msg("Client metadata document rejected")
		return nil, err
	}
	return v.(*ClientMetadataDocument), nil
}

func (m *MetadataResolver) fetch(ctx context.Context, canonical string, cached *cachedDocument) (*ClientMetadataDocument, error) {
	// The fetch is shared by every waiter, so it must not die with the first caller.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, canonical, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientMetadata, err)
	}
	req.Header.Set("Accept", "application/json")
	if cached != nil {
		if cached.etag != "" {
			req.Header.Set("If-None-Match", cached.etag)
		}
		if cached.lastModified != "" {
			req.Header.Set("If-Modified-Since", cached.lastModified)
		}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrClientMetadata, err)
	}
	defer resp.Body.Close()

	now := m.now()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		ttl, storable := freshnessLifetime(resp.Header, now, m.fallbackTTL)
		entry := &cachedDocument{
			doc:          cached.doc,
			etag:         firstNonEmpty(resp.Header.Get("ETag"), cached.etag),
			lastModified: firstNonEmpty(resp.Header.Get("Last-Modified"), cached.lastModified),
			expiresAt:    now.Add(ttl),
		}
		m.store(canonical, entry, storable)
		m.metrics.MetadataFetch("revalidated")
		return cached.doc, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrClientMetadata, resp.StatusCode)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "application/json") {
		return nil, fmt.Errorf("%w: unexpected Content-Type %q", ErrClientMetadata, contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxClientMetadataSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrClientMetadata, err)
	}
	if len(body) > maxClientMetadataSize {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrClientMetadata, maxClientMetadataSize)
	}

	var doc ClientMetadataDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrClientMetadata, err)
	}
	if err := validateMetadataDocument(&doc, canonical); err != nil {
		return nil, err
	}

	ttl, storable := freshnessLifetime(resp.Header, now, m.fallbackTTL)
	m.store(canonical, &cachedDocument{
		doc:          &doc,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		expiresAt:    now.Add(ttl),
	}, storable)
	m.metrics.MetadataFetch("fetched")

	m.logger.Debug().
		Str("client_id", canonical).
		Dur("ttl", ttl).
		Bool("stored", storable).
		Msg("Fetched client metadata document")
	return &doc, nil
}

func (m *MetadataResolver) store(canonical string, entry *cachedDocument, storable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !storable {
		delete(m.cache, canonical)
		return
	}
	m.cache[canonical] = entry
}

func validateMetadataDocument(doc *ClientMetadataDocument, canonical string) error {
	if doc.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrClientMetadata)
	}
	if doc.ClientID != canonical {
		return fmt.Errorf("%w: client_id %q does not match document URL %q", ErrClientMetadata, doc.ClientID, canonical)
	}
	if strings.TrimSpace(doc.ClientName) == "" {
		return fmt.Errorf("%w: client_name is required", ErrClientMetadata)
	}
	if len(doc.RedirectURIs) == 0 {
		return fmt.Errorf("%w: redirect_uris is required", ErrClientMetadata)
	}
	for _, uri := range doc.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return fmt.Errorf("%w: %v", ErrClientMetadata, err)
		}
	}
	if doc.TokenEndpointAuthMethod != "" && doc.TokenEndpointAuthMethod != models.TokenEndpointAuthNone {
		return fmt.Errorf("%w: token_endpoint_auth_method must be %q", ErrClientMetadata, models.TokenEndpointAuthNone)
	}
	return nil
}

// freshnessLifetime computes how long a response may be served from cache.
// Cache-Control s-maxage, then max-age, win over Expires; no-store disables caching and
// no-cache forces revalidation on every use. Responses without freshness
// information get fallback.
func freshnessLifetime(h http.Header, now time.Time, fallback time.Duration) (time.Duration, bool) {
	directives := parseCacheControl(h.Values("Cache-Control"))
	if _, ok := directives["no-store"]; ok {
		return 0, false
	}
	if _, ok := directives["no-cache"]; ok {
		return 0, true
	}
	v, ok := directives["s-maxage"]
	if !ok {
		v, ok = directives["max-age"]
	}
	if ok {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs < 0 {
			return 0, true
		}
		return time.Duration(secs) * time.Second, true
	}

	if exp := h.Get("Expires"); exp != "" {
		expires, err := http.ParseTime(exp)
		if err != nil {
			// Invalid Expires means already expired.
			return 0, true
		}
		base := now
		if d, err := http.ParseTime(h.Get("Date")); err == nil {
			base = d
		}
		if ttl := expires.Sub(base); ttl > 0 {
			return ttl, true
		}
		return 0, true
	}

	return fallback, true
}

func parseCacheControl(values []string) map[string]string {
	out := make(map[string]string)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, value, _ := strings.Cut(part, "=")
			out[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(value), `"`)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
