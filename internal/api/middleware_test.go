package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-rambhia/sweep/internal/metrics"
)

func TestLoggingMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := LoggingMiddleware(nil)(inner)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestLoggingMiddleware_RecordsUnmatchedRoute(t *testing.T) {
	m := metrics.New()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	handler := LoggingMiddleware(m)(inner)
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	n, err := testutil.GatherAndCount(m.Registry(), "sweep_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoggingMiddleware_ImplicitOK(t *testing.T) {
	m := metrics.New()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body only"))
	})

	handler := LoggingMiddleware(m)(inner)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTenantContext(t *testing.T) {
	assert.Empty(t, tenantFrom(context.Background()))
	ctx := withTenant(context.Background(), "abc")
	assert.Equal(t, "abc", tenantFrom(ctx))
}

func TestAuthMiddleware_SetsTenant(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = tenantFrom(r.Context())
	})
	auth := authFunc(func(raw string) (string, error) { return "hash-of-" + raw, nil })

	req := httptest.NewRequest(http.MethodGet, "/rules", nil)
	req.Header.Set("Authorization", "Bearer secret")
	AuthMiddleware(auth)(inner).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "hash-of-secret", seen)
}

type authFunc func(string) (string, error)

func (f authFunc) Register(raw string) (string, error) { return f(raw) }
