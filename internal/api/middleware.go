package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/darshan-rambhia/sweep/internal/metrics"
)

type ctxKey int

const tenantKey ctxKey = iota

// withTenant stores the authenticated tenant hash on the request context.
func withTenant(ctx context.Context, hash string) context.Context {
	return context.WithValue(ctx, tenantKey, hash)
}

// tenantFrom returns the tenant hash set by AuthMiddleware.
func tenantFrom(ctx context.Context) string {
	hash, _ := ctx.Value(tenantKey).(string)
	return hash
}

// SecurityHeadersMiddleware sets conservative response headers. The CSP
// allows the Swagger UI's inline assets.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs each request and, when m is set, counts it by route
// pattern so path parameters do not explode label cardinality.
func LoggingMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			if m != nil {
				m.ObserveHTTPRequest(route, r.Method, status)
			}
			slog.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// AuthMiddleware requires a bearer credential and resolves it to a tenant.
// First-seen credentials are registered on the way through.
func AuthMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			raw = strings.TrimSpace(raw)
			if !ok || raw == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="sweep"`)
				writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "missing bearer credential"})
				return
			}
			hash, err := auth.Register(raw)
			if err != nil {
				slog.Error("resolving credential", "request_id", middleware.GetReqID(r.Context()), "error", err)
				writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
				return
			}
			next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), hash)))
		})
	}
}
