package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func ok(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func TestHealthChecker_Aggregation(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*HealthChecker)
		status string
	}{
		{
			name:   "no checks",
			setup:  func(*HealthChecker) {},
			status: StatusHealthy,
		},
		{
			name: "all pass",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, ok)
				h.AddCheck("redis", false, ok)
			},
			status: StatusHealthy,
		},
		{
			name: "optional failure degrades",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, ok)
				h.AddCheck("redis", false, failing("connection refused"))
			},
			status: StatusDegraded,
		},
		{
			name: "critical degraded check degrades",
			setup: func(h *HealthChecker) {
				h.AddCheck("database", true, func(context.Context) error {
					return errors.Join(errors.New("pool busy"), ErrDegraded)
				})
			},
			status: StatusDegraded,
		},
		{
			name: "critical failure is unhealthy",
			setup: func(h *HealthChecker) {
				h.AddCheck("redis", false, failing("down"))
				h.AddCheck("database", true, failing("down"))
			},
			status: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker("v1.2.3")
			tt.setup(h)
			got := h.Check(context.Background())
			if got.Status != tt.status {
				t.Errorf("status = %s, want %s (%+v)", got.Status, tt.status, got.Dependencies)
			}
			if got.Version != "v1.2.3" {
				t.Errorf("version = %s", got.Version)
			}
			if len(got.Dependencies) != len(h.Names()) {
				t.Errorf("reported %d dependencies, registered %d", len(got.Dependencies), len(h.Names()))
			}
		})
	}
}

func TestHealthChecker_DependencyDetail(t *testing.T) {
	h := NewHealthChecker("")
	h.AddCheck("redis", false, failing("connection refused"))

	dep := h.Check(context.Background()).Dependencies["redis"]
	if dep.Status != StatusUnhealthy || dep.Critical {
		t.Errorf("unexpected dependency status: %+v", dep)
	}
	if dep.Message != "connection refused" {
		t.Errorf("message = %q", dep.Message)
	}
	if h.version == "" {
		t.Error("empty version should fall back to build info")
	}
}

func TestHealthChecker_Handlers(t *testing.T) {
	h := NewHealthChecker("test")
	h.AddCheck("redis", false, failing("down"))

	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, h)

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/health/live", http.StatusOK, StatusHealthy},
		{"/health/ready", http.StatusOK, StatusDegraded},
		{"/health", http.StatusOK, StatusDegraded},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.path, rec.Code, tt.code)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: bad body: %v", tt.path, err)
		}
		if body["status"] != tt.want {
			t.Errorf("%s: status = %v, want %s", tt.path, body["status"], tt.want)
		}
	}

	h.AddCheck("database", true, failing("down"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with critical failure: code = %d", rec.Code)
	}
}

func TestDatabaseCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	if err := DatabaseCheck(db)(context.Background()); err != nil {
		t.Errorf("healthy database: %v", err)
	}

	mock.ExpectPing().WillReturnError(errors.New("connection reset"))
	if err := DatabaseCheck(db)(context.Background()); err == nil {
		t.Error("expected ping failure")
	}

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("read only"))
	err = DatabaseCheck(db)(context.Background())
	if err == nil || errors.Is(err, ErrDegraded) {
		t.Errorf("query failure should be unhealthy, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	check := RedisCheck(client)
	if err := check(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}

	mr.Close()
	if err := check(context.Background()); err == nil {
		t.Error("expected failure after redis stopped")
	}
}
