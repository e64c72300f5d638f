package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/middleware"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

type fakeAuditStore struct {
	events []*audit.AuditEvent
}

func (s *fakeAuditStore) Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.AuditEvent, error) {
	return s.events, nil
}

func (s *fakeAuditStore) Get(ctx context.Context, id int64) (*audit.AuditEvent, error) {
	for _, e := range s.events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, audit.ErrEventNotFound
}

func (s *fakeAuditStore) GetStats(ctx context.Context, startTime, endTime *time.Time) (*audit.AuditStats, error) {
	return &audit.AuditStats{TotalEvents: int64(len(s.events))}, nil
}

func (s *fakeAuditStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type testEnv struct {
	manager *rbac.Manager
	keys    *auth.KeyManager
	metrics *observability.Metrics
	server  *Server
}

// newTestEnv seeds the built-in roles into the memory store
func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	cfg := rbac.DefaultConfig()
	cfg.CacheEnabled = false
	cfg.SweeperEnabled = false
	manager := rbac.NewManager(nil, cfg, rbac.Dependencies{})
	require.NoError(t, manager.Initialize(context.Background()))

	env := &testEnv{
		manager: manager,
		keys:    auth.NewKeyManager(auth.NewMemoryKeyStore()),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	opts := Options{
		Manager:    manager,
		Keys:       env.keys,
		AuditStore: &fakeAuditStore{events: []*audit.AuditEvent{{ID: 7, EventType: audit.EventTypeAuthzDecision}}},
		Metrics:    env.metrics,
		GuardAdmin: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	env.server = NewServer(opts)
	return env
}

// userWithRole creates a user holding the named built-in role and returns an API key for it
func (e *testEnv) userWithRole(t *testing.T, roleName string) (uuid.UUID, string) {
	t.Helper()
	ctx := context.Background()
	role, err := e.manager.Store().GetRoleByName(ctx, roleName, nil)
	require.NoError(t, err)
	user := &rbac.User{Username: roleName + "-user", IsActive: true}
	require.NoError(t, e.manager.Service().CreateUser(ctx, user))
	require.NoError(t, e.manager.Service().GrantUserRole(ctx, &rbac.UserRole{
		UserID: user.ID, RoleID: role.ID, ApprovalStatus: rbac.ApprovalApproved,
	}))
	_, raw, err := e.keys.CreateKey(ctx, user.ID, nil, "test", nil)
	require.NoError(t, err)
	return user.ID, raw
}

func (e *testEnv) do(t *testing.T, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func TestServer_Authentication(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/roles", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/roles", "bst_not-a-real-key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_AdminRoutesAreGuarded(t *testing.T) {
	env := newTestEnv(t, nil)
	_, adminKey := env.userWithRole(t, "Admin")
	_, viewerKey := env.userWithRole(t, "Viewer")

	rec := env.do(t, http.MethodGet, "/api/v1/roles", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var roles []rbac.Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roles))
	assert.Len(t, roles, 5)

	rec = env.do(t, http.MethodGet, "/api/v1/roles", viewerKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/roles", viewerKey, map[string]interface{}{"name": "Sneaky"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_Decide(t *testing.T) {
	env := newTestEnv(t, nil)
	analystID, analystKey := env.userWithRole(t, "Analyst")

	rec := env.do(t, http.MethodPost, "/api/v1/authz/decide", analystKey, rbac.Request{
		Principal:    rbac.UserPrincipal(analystID),
		Action:       rbac.ActionExecute,
		ResourceType: rbac.ResourceQuery,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d rbac.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.True(t, d.Allowed)

	rec = env.do(t, http.MethodPost, "/api/v1/authz/decide", analystKey, rbac.Request{
		Principal:    rbac.UserPrincipal(analystID),
		Action:       rbac.ActionRead,
		ResourceType: rbac.ResourceAuditLog,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.False(t, d.Allowed)
	assert.Equal(t, rbac.ReasonDefaultDeny, d.Reason)
}

func TestServer_AuditRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	_, auditorKey := env.userWithRole(t, "Auditor")
	_, viewerKey := env.userWithRole(t, "Viewer")

	rec := env.do(t, http.MethodGet, "/api/v1/audit/events/7", auditorKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/audit/stats", auditorKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/audit/events", viewerKey, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_Unguarded(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.GuardAdmin = false
		o.AuthOptional = true
	})

	rec := env.do(t, http.MethodGet, "/api/v1/roles", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/audit/stats", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_NotFoundAndContentType(t *testing.T) {
	env := newTestEnv(t, nil)
	_, key := env.userWithRole(t, "Admin")

	rec := env.do(t, http.MethodGet, "/api/v1/nope", key, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "route not found")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/roles", bytes.NewBufferString("name=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+key)
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RequestIDPropagates(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/roles", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_MetricsUseRouteTemplate(t *testing.T) {
	env := newTestEnv(t, nil)
	_, key := env.userWithRole(t, "Admin")

	role, err := env.manager.Store().GetRoleByName(context.Background(), "Viewer", nil)
	require.NoError(t, err)
	rec := env.do(t, http.MethodGet, "/api/v1/roles/"+role.ID.String(), key, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	counter := env.metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/roles/{id}", "200")
	assert.Equal(t, float64(1), testutil.ToFloat64(counter))
}

func TestServer_RateLimit(t *testing.T) {
	limits := middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour}
	env := newTestEnv(t, func(o *Options) {
		o.Limiter = middleware.NewRateLimitMiddleware(
			middleware.NewLocalLimiter(limits),
			middleware.NewLocalLimiter(limits),
			true, nil)
	})
	_, key := env.userWithRole(t, "Admin")

	rec := env.do(t, http.MethodGet, "/api/v1/roles", key, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = env.do(t, http.MethodGet, "/api/v1/roles", key, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestServer_RecoversPanics(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.AuthOptional = true; o.GuardAdmin = false })
	env.server.Router().HandleFunc("/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := env.do(t, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
