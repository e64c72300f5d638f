// Package observability provides structured logging, Prometheus and
// OpenTelemetry metrics, tracing setup, health checks and graceful shutdown.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithContext(ctx).WithField("principal", p).Info("decision")
//
// # Decision metrics
//
// The authorization engine reports through DecisionRecorder. Metrics
// (Prometheus) and OTelMetrics both implement it; Recorders fans out to
// several:
//
//	metrics := observability.NewMetrics(registry)
//	otelMetrics, _ := observability.NewOTelMetrics()
//	recorder := observability.Recorders{metrics, otelMetrics}
//
// # Health checks
//
//	checker := observability.NewHealthChecker("")
//	checker.AddCheck("database", true, observability.DatabaseCheck(db))
//	checker.AddCheck("redis", false, observability.RedisCheck(client))
//
// # Shutdown
//
//	sm := observability.NewShutdownManager(logger, 30*time.Second)
//	sm.Register("http", server.Shutdown)
//	err := sm.Wait(ctx)
package observability
