package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobmcallan/mcpnotes/internal/common"
)

type middleware func(http.Handler) http.Handler

// chain wraps h so that the first middleware listed runs first.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusRecorder captures the status and size of a response for logging.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Flush lets streamed MCP responses through the wrapper.
func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// recoveryMiddleware turns a handler panic into an OAuth-shaped server_error.
func recoveryMiddleware(logger *common.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				logger.Error().
					Str("panic", fmt.Sprintf("%v", rec)).
					Str("path", r.URL.Path).
					Str("correlation_id", correlationID(r.Context())).
					Msg("Panic recovered in HTTP handler")
				w.Header().Set("Cache-Control", "no-store")
				WriteJSON(w, http.StatusInternalServerError, map[string]string{
					"error":             "server_error",
					"error_description": "Internal server error",
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

var (
	corsAllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsAllowHeaders = []string{"Content-Type", "Authorization", "Mcp-Session-Id", "Mcp-Protocol-Version", "X-Request-ID", "X-Correlation-ID"}
	// WWW-Authenticate must be readable by browser clients or they cannot start discovery.
	corsExposeHeaders = []string{"WWW-Authenticate", "Mcp-Session-Id", "X-Correlation-ID"}
)

func corsMiddleware(next http.Handler) http.Handler {
	allowMethods := strings.Join(corsAllowMethods, ", ")
	allowHeaders := strings.Join(corsAllowHeaders, ", ")
	exposeHeaders := strings.Join(corsExposeHeaders, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", allowMethods)
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Expose-Headers", exposeHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type correlationIDKey struct{}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// correlationIDMiddleware reuses X-Request-ID or X-Correlation-ID when the
// caller sent one and otherwise mints a short id. The id is echoed in the
// response and carried on the request context.
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = r.Header.Get("X-Correlation-ID")
		}
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

// requestLevel picks the log level for a finished request. Challenges on the
// MCP endpoint are the normal start of the OAuth flow, not client errors.
func requestLevel(path string, status int) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case path == "/mcp" && (status == http.StatusUnauthorized || status == http.StatusForbidden):
		return zerolog.DebugLevel
	case status >= 400:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// loggingMiddleware logs one line per request. Only the path is logged:
// authorize query strings carry state and PKCE challenges.
func loggingMiddleware(logger *common.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.WithLevel(requestLevel(r.URL.Path, rw.status)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Int("bytes", rw.bytes).
				Dur("duration", time.Since(start)).
				Str("correlation_id", correlationID(r.Context())).
				Msg("HTTP request")
		})
	}
}

// applyMiddleware wraps the mux with the server's middleware stack.
func applyMiddleware(handler http.Handler, logger *common.Logger) http.Handler {
	return chain(handler,
		correlationIDMiddleware,
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
		corsMiddleware,
	)
}
