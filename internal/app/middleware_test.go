package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hashToken(t *testing.T, token string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

// actorEcho writes the actor recorded on the request context.
var actorEcho = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, shared.ActorFromContext(r.Context()))
})

func TestAdminAuth(t *testing.T) {
	hash := hashToken(t, "s3cret")
	mw := AdminAuth(quietLogger(), hash, true)(actorEcho)

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		req.Header.Set(ActorHeader, "alice")
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "alice", rr.Body.String())
	})

	t.Run("lowercase scheme without actor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
		req.Header.Set("Authorization", "bearer s3cret")
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "admin", rr.Body.String())
	})

	for name, header := range map[string]string{
		"wrong token":  "Bearer nope",
		"basic scheme": "Basic s3cret",
		"empty token":  "Bearer ",
		"missing":      "",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			mw.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")
		})
	}
}

func TestAdminAuthWithoutHash(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)

	rr := httptest.NewRecorder()
	AdminAuth(quietLogger(), "", false)(actorEcho).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "admin", rr.Body.String())

	rr = httptest.NewRecorder()
	AdminAuth(quietLogger(), "", true)(actorEcho).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRouterHealthz(t *testing.T) {
	cfg := &Config{AppEnv: "development", AdminRateLimit: 10}

	healthy := NewRouter(RouterParams{
		Logger: quietLogger(),
		Config: cfg,
		ReadinessProbe: map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
		},
	})
	rr := httptest.NewRecorder()
	healthy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"postgres":"ok"`)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	degraded := NewRouter(RouterParams{
		Logger: quietLogger(),
		Config: cfg,
		ReadinessProbe: map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	})
	rr = httptest.NewRecorder()
	degraded.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rr.Body.String(), `"redis":"unavailable"`)
	assert.NotContains(t, rr.Body.String(), "connection refused")
}
