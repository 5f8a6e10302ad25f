package guard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/mcpnotes/internal/common"
	"github.com/bobmcallan/mcpnotes/internal/metrics"
	"github.com/bobmcallan/mcpnotes/internal/oauth"
)

const (
	testIssuer   = "http://localhost:8000"
	testResource = "http://localhost:8000/mcp"
	testPRM      = "http://localhost:8000/.well-known/oauth-protected-resource"
)

func newTestCodec() *oauth.TokenCodec {
	return oauth.NewTokenCodec("guard-test-secret", testIssuer, testResource, time.Hour)
}

func newTestGuard(codec *oauth.TokenCodec) *Guard {
	return New(Config{
		Verifier: codec,
		Policies: Policies{
			"server_time": Public{},
			"list_notes":  Required{Scopes: []string{"a", "b"}},
			"greet":       Optional{Scopes: []string{"profile"}},
		},
		ResourceMetadataURL: testPRM,
	}, common.NewSilentLogger())
}

func bearer(t *testing.T, codec *oauth.TokenCodec, sub, scope string) string {
	t.Helper()
	tok, _, err := codec.Sign(oauth.SignParams{Subject: sub, Scope: scope})
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = BearerToken("bearer   abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("")
	assert.False(t, ok)
	_, ok = BearerToken("Basic dXNlcjpwYXNz")
	assert.False(t, ok)
}

func TestEvaluate_UnknownToolPassesThrough(t *testing.T) {
	g := newTestGuard(newTestCodec())
	d := g.Evaluate("not_configured", "Bearer garbage")
	assert.True(t, d.Allow)
	assert.False(t, d.Known)
	assert.Nil(t, d.Auth)
}

func TestEvaluate_Public(t *testing.T) {
	codec := newTestCodec()
	g := newTestGuard(codec)

	assert.True(t, g.Evaluate("server_time", "").Allow)

	d := g.Evaluate("server_time", "Bearer stale.token.value")
	assert.True(t, d.Allow, "invalid token must be ignored on public tools")
	assert.Nil(t, d.Auth)
}

func TestEvaluate_Required(t *testing.T) {
	codec := newTestCodec()
	g := newTestGuard(codec)

	t.Run("no token", func(t *testing.T) {
		d := g.Evaluate("list_notes", "")
		assert.False(t, d.Allow)
		assert.Equal(t, http.StatusUnauthorized, d.Status)
		assert.Equal(t, "insufficient_scope", d.Challenge.Error)
		assert.Equal(t, "login required", d.Challenge.ErrorDescription)
		assert.Equal(t, "a b", d.Challenge.Scope)
		assert.Equal(t, testPRM, d.Challenge.ResourceMetadata)
	})

	t.Run("invalid token", func(t *testing.T) {
		d := g.Evaluate("list_notes", "Bearer not-a-token")
		assert.False(t, d.Allow)
		assert.Equal(t, http.StatusUnauthorized, d.Status)
		assert.Equal(t, "invalid_token", d.Challenge.Error)
	})

	t.Run("subset of scopes is rejected", func(t *testing.T) {
		d := g.Evaluate("list_notes", bearer(t, codec, "u1", "a"))
		assert.False(t, d.Allow)
		assert.Equal(t, http.StatusForbidden, d.Status)
		assert.Equal(t, "insufficient_scope", d.Challenge.Error)
		assert.Equal(t, "a b", d.Challenge.Scope)
	})

	t.Run("superset of scopes is accepted", func(t *testing.T) {
		d := g.Evaluate("list_notes", bearer(t, codec, "u1", "a b c"))
		assert.True(t, d.Allow)
		require.NotNil(t, d.Auth)
		assert.Equal(t, "u1", d.Auth.Subject)
	})

	t.Run("token for another audience", func(t *testing.T) {
		other := oauth.NewTokenCodec("guard-test-secret", testIssuer, "https://other.test/mcp", time.Hour)
		d := g.Evaluate("list_notes", bearer(t, other, "u1", "a b"))
		assert.False(t, d.Allow)
		assert.Equal(t, "invalid_token", d.Challenge.Error)
	})
}

func TestEvaluate_Optional(t *testing.T) {
	codec := newTestCodec()
	g := newTestGuard(codec)

	d := g.Evaluate("greet", "")
	assert.True(t, d.Allow)
	assert.Nil(t, d.Auth, "no token is anonymous")

	d = g.Evaluate("greet", bearer(t, codec, "u1", "notes:read"))
	assert.True(t, d.Allow)
	assert.Nil(t, d.Auth, "valid token without the scope is anonymous")

	d = g.Evaluate("greet", bearer(t, codec, "u1", "profile"))
	assert.True(t, d.Allow)
	require.NotNil(t, d.Auth)
	assert.Equal(t, "u1", d.Auth.Subject)

	d = g.Evaluate("greet", "Bearer broken")
	assert.False(t, d.Allow, "invalid token is an error, not anonymous")
	assert.Equal(t, http.StatusUnauthorized, d.Status)
	assert.Equal(t, "invalid_token", d.Challenge.Error)
}

// recordingHandler captures the AuthContext the guarded handler observed.
type recordingHandler struct {
	mu     sync.Mutex
	called int
	seen   *common.AuthContext
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.called++
	h.seen = common.AuthContextFromContext(r.Context())
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`))
}

func toolCall(name string) string {
	return `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"` + name + `","arguments":{}}}`
}

func TestMiddleware_DenialCarriesBothChannels(t *testing.T) {
	g := newTestGuard(newTestCodec())
	next := &recordingHandler{}
	h := g.Middleware(next)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(toolCall("list_notes")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, next.called)

	header := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, header, `resource_metadata="`+testPRM+`"`)
	assert.Contains(t, header, `scope="a b"`)

	var resp struct {
		JSONRPC string             `json:"jsonrpc"`
		ID      int                `json:"id"`
		Result  mcp.CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, 7, resp.ID)
	assert.True(t, resp.Result.IsError)
	require.NotNil(t, resp.Result.Meta)
	challenges, ok := resp.Result.Meta.AdditionalFields[ChallengeMetaKey].([]any)
	require.True(t, ok)
	require.Len(t, challenges, 1)
	assert.Equal(t, header, challenges[0])
}

func TestMiddleware_ForbiddenForMissingScope(t *testing.T) {
	codec := newTestCodec()
	g := newTestGuard(codec)
	h := g.Middleware(&recordingHandler{})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(toolCall("list_notes")))
	req.Header.Set("Authorization", bearer(t, codec, "u1", "a"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)
}

func TestMiddleware_AllowedCallSeesIdentity(t *testing.T) {
	codec := newTestCodec()
	g := newTestGuard(codec)
	next := &recordingHandler{}
	h := g.Middleware(next)

	body := toolCall("list_notes")
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", bearer(t, codec, "user-42", "a b"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, next.called)
	require.NotNil(t, next.seen)
	assert.Equal(t, "user-42", next.seen.Subject)
	assert.Equal(t, []string{"a", "b"}, next.seen.Scopes)
}

func TestMiddleware_BodyRestoredForDispatcher(t *testing.T) {
	g := newTestGuard(newTestCodec())
	var got string
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
	}))

	body := toolCall("server_time")
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, body, got)
}

func TestMiddleware_NonToolCallsPassThrough(t *testing.T) {
	g := newTestGuard(newTestCodec())
	next := &recordingHandler{}
	h := g.Middleware(next)

	for _, body := range []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`not json`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 4, next.called)
}

func TestMiddleware_BatchedToolCallRejected(t *testing.T) {
	g := newTestGuard(newTestCodec())
	next := &recordingHandler{}
	h := g.Middleware(next)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("["+toolCall("list_notes")+"]"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, next.called)
}

func TestMiddleware_ConcurrentRequestsDoNotShareIdentity(t *testing.T) {
	codec := newTestCodec()
	g := newTestGuard(codec)

	var mu sync.Mutex
	mismatches := 0
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := common.AuthContextFromContext(r.Context())
		if ac == nil || ac.Subject != r.Header.Get("X-Expected-Sub") {
			mu.Lock()
			mismatches++
			mu.Unlock()
		}
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		sub := "user-" + string(rune('a'+i%26))
		header := bearer(t, codec, sub, "a b")
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(toolCall("list_notes")))
			req.Header.Set("Authorization", header)
			req.Header.Set("X-Expected-Sub", sub)
			h.ServeHTTP(httptest.NewRecorder(), req)
		}()
	}
	wg.Wait()
	assert.Zero(t, mismatches)
}

func TestHTTPContextFunc(t *testing.T) {
	ac := &common.AuthContext{Subject: "u1"}
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req = req.WithContext(common.WithAuthContext(req.Context(), ac))

	ctx := HTTPContextFunc(t.Context(), req)
	assert.Same(t, ac, common.AuthContextFromContext(ctx))

	plain := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	assert.Nil(t, common.AuthContextFromContext(HTTPContextFunc(t.Context(), plain)))
}

func TestMiddleware_UnknownToolsShareOneMetricLabel(t *testing.T) {
	m := metrics.New()
	g := New(Config{
		Verifier:            newTestCodec(),
		Policies:            Policies{"server_time": Public{}},
		ResourceMetadataURL: testPRM,
		Metrics:             m,
	}, common.NewSilentLogger())
	h := g.Middleware(&recordingHandler{})

	for _, name := range []string{"server_time", "made_up_1", "made_up_2", "made_up_3"} {
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(toolCall(name)))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	tools := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "mcpnotes_guard_decisions_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "tool" {
					tools[lp.GetValue()] += metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"server_time": 1, "unknown": 3}, tools)
}
