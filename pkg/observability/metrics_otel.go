package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments for the decision path
type OTelMetrics struct {
	decisionsTotal   metric.Int64Counter
	decisionDuration metric.Float64Histogram
	conditionErrors  metric.Int64Counter
	cacheHitsTotal   metric.Int64Counter
	cacheMissesTotal metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/bastion")

	m := &OTelMetrics{}
	var err error

	m.decisionsTotal, err = meter.Int64Counter(
		"authz.decisions",
		metric.WithDescription("Total number of authorization decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authz.decisions counter: %w", err)
	}

	m.decisionDuration, err = meter.Float64Histogram(
		"authz.decision.duration",
		metric.WithDescription("Authorization decision latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authz.decision.duration histogram: %w", err)
	}

	m.conditionErrors, err = meter.Int64Counter(
		"authz.condition.errors",
		metric.WithDescription("Total number of policy conditions that could not be evaluated"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authz.condition.errors counter: %w", err)
	}

	m.cacheHitsTotal, err = meter.Int64Counter(
		"cache.hits.total",
		metric.WithDescription("Total number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_hits_total counter: %w", err)
	}

	m.cacheMissesTotal, err = meter.Int64Counter(
		"cache.misses.total",
		metric.WithDescription("Total number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_misses_total counter: %w", err)
	}

	return m, nil
}

// RecordDecision records a decision and its latency
func (m *OTelMetrics) RecordDecision(ctx context.Context, effect, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("authz.effect", effect),
		attribute.String("authz.reason", reason),
	)
	m.decisionsTotal.Add(ctx, 1, attrs)
	m.decisionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheLookup records a cache hit or miss
func (m *OTelMetrics) RecordCacheLookup(ctx context.Context, tier string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("cache.tier", tier))
	if hit {
		m.cacheHitsTotal.Add(ctx, 1, attrs)
		return
	}
	m.cacheMissesTotal.Add(ctx, 1, attrs)
}

// RecordConditionError records a condition evaluation failure
func (m *OTelMetrics) RecordConditionError(ctx context.Context, kind string) {
	m.conditionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("condition.kind", kind)))
}
