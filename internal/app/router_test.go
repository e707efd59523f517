package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/billing/invoices"
	"github.com/odyssey-erp/backoffice/internal/billing/invoices/invoicestest"
	"github.com/odyssey-erp/backoffice/internal/observability"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ============================================================================
// HELPERS
// ============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	return &Config{
		AppEnv:             "test",
		AppRequestTimeout:  5 * time.Second,
		PublicBaseURL:      "https://bo.example.com",
		RateLimitPerMinute: 1000,
	}
}

type routerFixture struct {
	sessions *shared.SessionManager
	redis    *miniredis.Miniredis
	handler  http.Handler
}

func newRouterFixture(t *testing.T, cfg *Config, mutate func(*RouterParams)) *routerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "bo_session", time.Hour)

	logger := quietLogger()
	svc := invoices.NewService(invoicestest.New(), invoices.Deps{}, invoices.Config{PublicBaseURL: cfg.PublicBaseURL}, logger)
	params := RouterParams{
		Logger:         logger,
		Config:         cfg,
		Sessions:       sessions,
		Metrics:        observability.NewMetrics(),
		InvoiceHandler: invoices.NewHandler(logger, svc, authz.Middleware{Logger: logger}),
	}
	if mutate != nil {
		mutate(&params)
	}
	return &routerFixture{sessions: sessions, redis: mr, handler: NewRouter(params)}
}

func (f *routerFixture) login(t *testing.T, userID int64, roles ...string) string {
	t.Helper()
	id, err := f.sessions.Issue(context.Background(), shared.SessionData{UserID: userID, Email: "user@example.com", Roles: roles})
	require.NoError(t, err)
	return id
}

func (f *routerFixture) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "203.0.113.7:5000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// ROUTER TESTS
// ============================================================================

func TestHealthzSetsSecurityHeaders(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)

	rec := f.do(http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestUnknownRouteIsProblem(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)

	rec := f.do(http.MethodGet, "/nowhere", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)
	f.do(http.MethodGet, "/healthz", "")

	rec := f.do(http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "backoffice_http_requests_total")
}

func TestInvoiceRoutesRequireSession(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)

	rec := f.do(http.MethodGet, "/invoices/", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := f.login(t, 2, "Employee")
	rec = f.do(http.MethodGet, "/invoices/", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "pagination")
}

func TestVoidNeedsManagement(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)

	rec := f.do(http.MethodPost, "/invoices/1/void", f.login(t, 2, "Employee"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPublicInvoiceRouteSkipsAuth(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)

	rec := f.do(http.MethodGet, "/invoices/v/unknown-token/", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpiredSessionIsAnonymous(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)
	token := f.login(t, 2, "Employee")
	f.redis.FastForward(2 * time.Hour)

	rec := f.do(http.MethodGet, "/invoices/", token)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionStoreOutageIsUnavailable(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)
	token := f.login(t, 2, "Employee")
	f.redis.Close()

	rec := f.do(http.MethodGet, "/invoices/", token)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	// health does not touch the session store
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
}

func TestRateLimitAppliesToSessionRoutesOnly(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 2
	f := newRouterFixture(t, cfg, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/invoices/", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/invoices/", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/invoices/", "").Code)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	}
}

func TestWebhookMountedOnlyWhenConfigured(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/webhooks/stripe", "").Code)

	var hits int
	f = newRouterFixture(t, testConfig(), func(p *RouterParams) {
		p.WebhookHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			w.WriteHeader(http.StatusOK)
		})
	})
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhooks/stripe", "").Code)
	assert.Equal(t, 1, hits)
}

// ============================================================================
// MIDDLEWARE TESTS
// ============================================================================

func TestPrincipalMiddlewareAttachesRoles(t *testing.T) {
	f := newRouterFixture(t, testConfig(), nil)
	token := f.login(t, 9, "admin", "unknown-role")

	var got authz.Principal
	h := PrincipalMiddleware(f.sessions, quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = authz.PrincipalFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, int64(9), got.UserID)
	assert.Equal(t, []authz.Role{authz.RoleAdmin}, got.Roles)
	assert.True(t, got.Can(authz.Management))
}

func TestPrincipalMiddlewareWithoutStore(t *testing.T) {
	var got authz.Principal
	h := PrincipalMiddleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = authz.PrincipalFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, got.IsAnonymous())
}
