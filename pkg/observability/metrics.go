package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DecisionRecorder receives authorization engine measurements
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, effect, reason string, duration time.Duration)
	RecordCacheLookup(ctx context.Context, tier string, hit bool)
	RecordConditionError(ctx context.Context, kind string)
}

// Recorders fans measurements out to several recorders
type Recorders []DecisionRecorder

func (rs Recorders) RecordDecision(ctx context.Context, effect, reason string, duration time.Duration) {
	for _, r := range rs {
		r.RecordDecision(ctx, effect, reason, duration)
	}
}

func (rs Recorders) RecordCacheLookup(ctx context.Context, tier string, hit bool) {
	for _, r := range rs {
		r.RecordCacheLookup(ctx, tier, hit)
	}
}

func (rs Recorders) RecordConditionError(ctx context.Context, kind string) {
	for _, r := range rs {
		r.RecordConditionError(ctx, kind)
	}
}

const namespace = "bastion"

var (
	sizeBuckets     = prometheus.ExponentialBuckets(100, 10, 8)
	decisionBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}
)

// Metrics is the Prometheus side of the server. Authorization series are
// under bastion_authz_*, request series under bastion_http_*.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	DecisionsTotal       *prometheus.CounterVec
	DecisionDuration     *prometheus.HistogramVec
	ConditionErrorsTotal *prometheus.CounterVec
	GrantMutationsTotal  *prometheus.CounterVec
	GrantsSweptTotal     prometheus.Counter
	SeedAppliesTotal     *prometheus.CounterVec

	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
}

// NewMetrics registers every series on registry
func NewMetrics(registry *prometheus.Registry) *Metrics {
	f := promauto.With(registry)
	httpRoute := []string{"method", "path"}

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route template and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency.", Buckets: prometheus.DefBuckets,
		}, httpRoute),
		HTTPRequestSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_size_bytes",
			Help: "Declared request body size.", Buckets: sizeBuckets,
		}, httpRoute),
		HTTPResponseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "response_size_bytes",
			Help: "Response body size.", Buckets: sizeBuckets,
		}, httpRoute),
		HTTPInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_in_flight",
			Help: "Requests currently being served.",
		}),

		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "authz", Name: "decisions_total",
			Help: "Authorization decisions by effect and reason.",
		}, []string{"effect", "reason"}),
		DecisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "authz", Name: "decision_duration_seconds",
			Help: "Authorization decision latency.", Buckets: decisionBuckets,
		}, []string{"effect"}),
		ConditionErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "authz", Name: "condition_errors_total",
			Help: "Policy conditions that could not be evaluated.",
		}, []string{"kind"}),
		GrantMutationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "grant_mutations_total",
			Help: "Successful role, grant and policy writes by operation.",
		}, []string{"operation"}),
		GrantsSweptTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "grants_swept_total",
			Help: "Stale user role grants removed by the sweeper.",
		}),
		SeedAppliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "seed_applies_total",
			Help: "Seed file applications by outcome.",
		}, []string{"status"}),

		CacheHitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Effective role cache hits by tier.",
		}, []string{"tier"}),
		CacheMissesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Effective role cache misses by tier.",
		}, []string{"tier"}),
	}
}

// RegisterDBStats exports the pool statistics of db as go_sql_* series
func RegisterDBStats(registry *prometheus.Registry, db *sql.DB) error {
	return registry.Register(collectors.NewDBStatsCollector(db, namespace))
}

func (m *Metrics) RecordDecision(ctx context.Context, effect, reason string, duration time.Duration) {
	m.DecisionsTotal.WithLabelValues(effect, reason).Inc()
	m.DecisionDuration.WithLabelValues(effect).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, tier string, hit bool) {
	counter := m.CacheMissesTotal
	if hit {
		counter = m.CacheHitsTotal
	}
	counter.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordConditionError(ctx context.Context, kind string) {
	m.ConditionErrorsTotal.WithLabelValues(kind).Inc()
}

// The following are safe on a nil *Metrics so the service can run without them.

func (m *Metrics) RecordGrantMutation(operation string) {
	if m != nil {
		m.GrantMutationsTotal.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordGrantsSwept(n int) {
	if m != nil {
		m.GrantsSweptTotal.Add(float64(n))
	}
}

func (m *Metrics) RecordSeedApply(status string) {
	if m != nil {
		m.SeedAppliesTotal.WithLabelValues(status).Inc()
	}
}

// responseWriter records the status and body size a handler produced
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments requests. pathLabel maps a request to a
// low-cardinality label, usually its route template, and is called after the
// handler so router state is available; nil uses the raw URL path.
func HTTPMetricsMiddleware(metrics *Metrics, pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	if pathLabel == nil {
		pathLabel = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.HTTPInFlight.Inc()
			defer metrics.HTTPInFlight.Dec()

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			path := pathLabel(r)
			route := prometheus.Labels{"method": r.Method, "path": path}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.With(route).Observe(elapsed.Seconds())
			metrics.HTTPResponseSize.With(route).Observe(float64(rw.bytesWritten))
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.With(route).Observe(float64(r.ContentLength))
			}
		})
	}
}

// RegisterMetricsEndpoint serves registry on /metrics
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
}
