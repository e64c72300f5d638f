package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrDegraded marks a check that works but is under pressure
var ErrDegraded = errors.New("degraded")

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

// HealthStatus is the aggregate readiness report
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is the result of one check
type DependencyStatus struct {
	Status    string        `json:"status"`
	Critical  bool          `json:"critical"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// HealthChecker runs registered dependency checks. A failing critical check
// makes the service unhealthy; any other failure only degrades it.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []namedCheck
	version string
	timeout time.Duration
}

// NewHealthChecker creates a checker reporting version. An empty version is
// read from the build info.
func NewHealthChecker(version string) *HealthChecker {
	if version == "" {
		version = BuildVersion()
	}
	return &HealthChecker{version: version, timeout: 5 * time.Second}
}

// AddCheck registers a check under name
func (h *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// Check runs every check concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(checks)),
	}

	results := make([]DependencyStatus, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c namedCheck) {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	for i, c := range checks {
		r := results[i]
		status.Dependencies[c.name] = r
		switch {
		case r.Status == StatusUnhealthy && c.critical:
			status.Status = StatusUnhealthy
		case r.Status != StatusHealthy && status.Status == StatusHealthy:
			status.Status = StatusDegraded
		}
	}
	return status
}

func runCheck(ctx context.Context, c namedCheck) DependencyStatus {
	start := time.Now()
	err := c.fn(ctx)
	ds := DependencyStatus{
		Status:    StatusHealthy,
		Critical:  c.critical,
		Latency:   time.Since(start),
		Timestamp: start,
	}
	switch {
	case errors.Is(err, ErrDegraded):
		ds.Status = StatusDegraded
		ds.Message = err.Error()
	case err != nil:
		ds.Status = StatusUnhealthy
		ds.Message = err.Error()
	}
	return ds
}

// Names returns the registered check names, sorted
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

// Liveness always answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness answers 503 only when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// DatabaseCheck pings db and runs SELECT 1. A saturated pool is degraded.
func DatabaseCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		stats := db.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return fmt.Errorf("connection pool exhausted: %w", ErrDegraded)
		}
		return nil
	}
}

// RedisCheck pings the client
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// BuildVersion returns the main module version from the build info
func BuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}

// RegisterHealthRoutes registers /health, /health/live and /health/ready
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
