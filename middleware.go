package scimserver

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pranems/scimserver/audit"
	"github.com/pranems/scimserver/store"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the correlation id bound to the request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// responseWriter wraps http.ResponseWriter to capture status code and,
// optionally, the response body for auditing.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	body       bytes.Buffer
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// RequestIDMiddleware assigns each request a correlation id, echoed in the
// X-Request-Id header and carried in the context for error logs.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		})
	}
}

// RewriteMiddleware strips a /v2 segment after the API prefix, so clients
// hard-coded to /scim/v2/... reach the same routes.
func RewriteMiddleware(prefix string) func(http.Handler) http.Handler {
	v2 := prefix + "/v2/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, v2) {
				r.URL.Path = prefix + "/" + strings.TrimPrefix(r.URL.Path, v2)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs HTTP requests with method, path, status, duration, and client IP
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			level := slog.LevelInfo
			if wrapped.statusCode >= 500 {
				level = slog.LevelError
			} else if wrapped.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "HTTP request",
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"status", wrapped.statusCode,
				"duration_ms", duration.Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.Header.Get("User-Agent"),
			)
		})
	}
}

// AuditMiddleware enqueues one redacted audit record per request after the
// response is written. The token path is excluded so client secrets never
// reach the audit table.
func AuditMiddleware(sink *audit.Sink, prefix string) func(http.Handler) http.Handler {
	tokenPath := prefix + "/oauth/token"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sink == nil || r.URL.Path == tokenPath {
				next.ServeHTTP(w, r)
				return
			}

			var reqBody []byte
			if r.Body != nil {
				reqBody, _ = io.ReadAll(io.LimitReader(r.Body, 1<<20))
				r.Body = io.NopCloser(bytes.NewReader(reqBody))
			}

			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			endpointID, identifier := parseAuditPath(r.URL.Path, prefix)
			rec := store.AuditRecord{
				EndpointID:     endpointID,
				Method:         r.Method,
				Path:           r.URL.Path,
				Status:         wrapped.statusCode,
				DurationMs:     time.Since(start).Milliseconds(),
				Identifier:     identifier,
				RequestHeaders: audit.RedactHeaders(r.Header),
				RequestBody:    audit.RedactBody(reqBody),
				ResponseBody:   audit.RedactBody(wrapped.body.Bytes()),
				CreatedAt:      time.Now().UTC(),
			}
			if wrapped.statusCode >= 400 {
				rec.ErrorMessage = http.StatusText(wrapped.statusCode)
			}
			sink.Record(rec)
		})
	}
}

// parseAuditPath extracts the endpoint id and a best-effort resource
// identifier from an endpoint-scoped path.
func parseAuditPath(path, prefix string) (endpointID, identifier string) {
	rest, ok := strings.CutPrefix(path, prefix+"/endpoints/")
	if !ok {
		return "", ""
	}
	parts := strings.Split(rest, "/")
	if len(parts) > 0 {
		endpointID = parts[0]
	}
	if len(parts) > 2 && parts[2] != ".search" {
		identifier = parts[1] + "/" + parts[2]
	}
	return endpointID, identifier
}
