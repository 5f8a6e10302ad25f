package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/metrics"
	"github.com/bobmcallan/mcpnotes/internal/oauth"
)

// ChallengeMetaKey is the _meta key under which a denied tool result carries
// the WWW-Authenticate challenge, for callers that cannot see HTTP headers.
const ChallengeMetaKey = "mcp/www_authenticate"

const maxRequestBody = 1 << 20

// TokenVerifier verifies access tokens. *oauth.TokenCodec satisfies it.
type TokenVerifier interface {
	Verify(token string) (*oauth.AccessTokenClaims, error)
}

// TokenState is the outcome of bearer token extraction and verification.
type TokenState int

const (
	TokenNone TokenState = iota
	TokenInvalid
	TokenValid
)

func (s TokenState) String() string {
	switch s {
	case TokenInvalid:
		return "invalid"
	case TokenValid:
		return "valid"
	default:
		return "none"
	}
}

// Decision is the guard's verdict for one tool call.
type Decision struct {
	Allow bool
	// Status is 401 or 403 when Allow is false.
	Status    int
	Challenge Challenge
	// Auth is set when the tool should run in authenticated mode.
	Auth *common.AuthContext
	// Known is false when the tool has no policy.
	Known bool
}

// Label is a short outcome name used for metrics and logs.
func (d Decision) Label() string {
	switch {
	case !d.Known:
		return "passthrough"
	case d.Allow && d.Auth != nil:
		return "allow_authenticated"
	case d.Allow:
		return "allow_anonymous"
	case d.Status == http.StatusForbidden:
		return "deny_403"
	default:
		return "deny_401"
	}
}

// Config configures a Guard.
type Config struct {
	Verifier            TokenVerifier
	Policies            Policies
	ResourceMetadataURL string
	Metrics             *metrics.Metrics
}

// Guard enforces tool policies on MCP tools/call requests.
type Guard struct {
	verifier            TokenVerifier
	policies            Policies
	resourceMetadataURL string
	metrics             *metrics.Metrics
	logger              *common.Logger
}

// New creates a Guard.
func New(cfg Config, logger *common.Logger) *Guard {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	policies := cfg.Policies
	if policies == nil {
		policies = Policies{}
	}
	return &Guard{
		verifier:            cfg.Verifier,
		policies:            policies,
		resourceMetadataURL: cfg.ResourceMetadataURL,
		metrics:             cfg.Metrics,
		logger:              logger,
	}
}

// BearerToken extracts the token from an Authorization header value.
// ok is false when no Bearer credential was presented.
func BearerToken(header string) (token string, ok bool) {
	scheme, rest, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// Authenticate classifies the Authorization header value.
func (g *Guard) Authenticate(header string) (TokenState, *common.AuthContext) {
	token, ok := BearerToken(header)
	if !ok {
		return TokenNone, nil
	}
	if token == "" || g.verifier == nil {
		return TokenInvalid, nil
	}
	claims, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Debug().Err(err).Msg("Bearer token rejected")
		return TokenInvalid, nil
	}
	return TokenValid, authContextFromClaims(token, claims)
}

func authContextFromClaims(token string, c *oauth.AccessTokenClaims) *common.AuthContext {
	ac := &common.AuthContext{
		Token:    token,
		Subject:  c.Subject,
		Name:     c.Name,
		ClientID: c.ClientID,
		Issuer:   c.Issuer,
		Audience: []string(c.Audience),
		Scopes:   c.Scopes(),
	}
	if c.IssuedAt != nil {
		ac.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		ac.ExpiresAt = c.ExpiresAt.Time
	}
	return ac
}

// Evaluate decides whether tool may run for a caller presenting the given
// Authorization header value.
func (g *Guard) Evaluate(tool, authorization string) Decision {
	policy, known := g.policies[tool]
	if !known {
		return Decision{Allow: true}
	}
	state, ac := g.Authenticate(authorization)

	switch p := policy.(type) {
	case Public:
		// A stale token must not lock callers out of public tools.
		return Decision{Allow: true, Known: true, Auth: ac}

	case Required:
		scope := ScopeString(p)
		switch state {
		case TokenNone:
			return g.deny(http.StatusUnauthorized, scope, "insufficient_scope", "login required")
		case TokenInvalid:
			return g.deny(http.StatusUnauthorized, scope, "invalid_token", "invalid or expired token")
		}
		if !ac.HasAllScopes(p.Scopes...) {
			return g.deny(http.StatusForbidden, scope, "insufficient_scope", "additional scope required: "+scope)
		}
		return Decision{Allow: true, Known: true, Auth: ac}

	case Optional:
		switch state {
		case TokenInvalid:
			return g.deny(http.StatusUnauthorized, ScopeString(p), "invalid_token", "invalid or expired token")
		case TokenValid:
			if ac.HasAllScopes(p.Scopes...) {
				return Decision{Allow: true, Known: true, Auth: ac}
			}
		}
		return Decision{Allow: true, Known: true}
	}

	// Unreachable with the sealed policy set; fail closed regardless.
	return g.deny(http.StatusForbidden, "", "insufficient_scope", "unsupported tool policy")
}

func (g *Guard) deny(status int, scope, code, description string) Decision {
	return Decision{
		Known:  true,
		Status: status,
		Challenge: Challenge{
			ResourceMetadata: g.resourceMetadataURL,
			Scope:            scope,
			Error:            code,
			ErrorDescription: description,
		},
	}
}

// rpcRequest is the subset of a JSON-RPC request the guard inspects.
type rpcRequest struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params struct {
		Name string `json:"name"`
	} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      json.RawMessage     `json:"id"`
	Result  *mcp.CallToolResult `json:"result,omitempty"`
	Error   *rpcError           `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Middleware guards tools/call requests before they reach next. Allowed
// authenticated calls carry the AuthContext in the request context.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		r.Body.Close()
		if err != nil {
			writeRPCError(w, http.StatusBadRequest, nil, -32700, "failed to read request body")
			return
		}
		if len(body) > maxRequestBody {
			writeRPCError(w, http.StatusRequestEntityTooLarge, nil, -32600, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))

		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if batchHasToolCall(trimmed) {
				writeRPCError(w, http.StatusBadRequest, nil, -32600, "batched tools/call requests are not supported")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(trimmed, &req); err != nil || req.Method != string(mcp.MethodToolsCall) {
			// Not a tool call (or not JSON); the dispatcher owns the response.
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		d := g.Evaluate(req.Params.Name, r.Header.Get("Authorization"))
		label := "unknown"
		if d.Known {
			label = req.Params.Name
		}
		g.metrics.GuardDecision(label, d.Label())
		g.logger.Debug().
			Str("tool", req.Params.Name).
			Str("decision", d.Label()).
			Dur("duration", time.Since(start)).
			Msg("Guard decision")

		if !d.Allow {
			g.writeDenial(w, req.ID, d)
			return
		}
		if d.Auth != nil {
			r = r.WithContext(common.WithAuthContext(r.Context(), d.Auth))
		}
		next.ServeHTTP(w, r)
	})
}

func batchHasToolCall(body []byte) bool {
	var batch []rpcRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		return false
	}
	for _, req := range batch {
		if req.Method == string(mcp.MethodToolsCall) {
			return true
		}
	}
	return false
}

// writeDenial sends the challenge on both channels: the WWW-Authenticate
// header and the _meta of a tool error result.
func (g *Guard) writeDenial(w http.ResponseWriter, id json.RawMessage, d Decision) {
	challenge := d.Challenge.String()

	result := mcp.NewToolResultError("Authorization required: " + d.Challenge.ErrorDescription)
	result.Meta = mcp.NewMetaFromMap(map[string]any{
		ChallengeMetaKey: []string{challenge},
	})

	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Result:  result,
	})
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}

// HTTPContextFunc copies the AuthContext attached by Middleware into the
// context mcp-go hands to tool handlers.
func HTTPContextFunc(ctx context.Context, r *http.Request) context.Context {
	if ac := common.AuthContextFromContext(r.Context()); ac != nil {
		return common.WithAuthContext(ctx, ac)
	}
	return ctx
}
