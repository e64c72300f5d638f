package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/bastion/pkg/api"
	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/config"
	"github.com/platinummonkey/bastion/pkg/middleware"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bastion: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithFormat(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("bastion stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	version := observability.BuildVersion()
	sm := observability.NewShutdownManager(logger.WithField("component", "shutdown"), cfg.Server.ShutdownTimeout)
	// Registered first so it runs last: stops the cleanup loop
	sm.Register("background", func(context.Context) error {
		cancel()
		return nil
	})
	defer func() {
		// release whatever started before a startup failure
		if err != nil {
			_ = sm.Shutdown(context.Background())
		}
	}()

	providers, err := observability.InitOTel(ctx, cfg.OTelConfig(version), logger)
	if err != nil {
		return err
	}
	sm.Register("otel", providers.Shutdown)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	recorders := observability.Recorders{metrics}
	if providers != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			return fmt.Errorf("failed to create otel instruments: %w", err)
		}
		recorders = append(recorders, otelMetrics)
	}

	db, err := cfg.Database.Open(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		logger.Warn("memory driver selected: roles, grants and api keys are lost on exit")
	} else {
		sm.Register("database", func(context.Context) error { return db.Close() })
		if err := observability.RegisterDBStats(registry, db); err != nil {
			return fmt.Errorf("failed to register pool metrics: %w", err)
		}
	}

	redisClient, err := cfg.Redis.Client()
	if err != nil {
		return err
	}
	if redisClient != nil {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable at startup, continuing")
		}
		sm.Register("redis", func(context.Context) error { return redisClient.Close() })
	}

	auditLogger, auditStore, err := buildAudit(cfg, db, logger)
	if err != nil {
		return err
	}
	sm.Register("audit", func(context.Context) error { return auditLogger.Close() })

	var keyStore auth.KeyStore = auth.NewMemoryKeyStore()
	if db != nil {
		keyStore, err = auth.NewSQLKeyStore(ctx, db)
		if err != nil {
			return err
		}
	}
	keys := auth.NewKeyManager(keyStore)

	deps := rbac.Dependencies{
		Redis:       redisClient,
		AuditLogger: auditLogger,
		Metrics:     metrics,
		Recorder:    recorders,
		Logger:      logger,
	}
	if auditStore != nil {
		deps.AuditStore = auditStore
	}
	manager := rbac.NewManager(db, cfg.RBACManagerConfig(), deps)
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize rbac: %w", err)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start rbac housekeeping: %w", err)
	}
	sm.Register("rbac", manager.Stop)

	if cfg.RBAC.WatchSeed {
		go func() {
			if err := manager.WatchSeed(ctx, cfg.RBAC.Debounce); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("seed watcher stopped")
			}
		}()
	}

	proxies, err := cfg.Server.Proxies()
	if err != nil {
		return err
	}
	opts := api.Options{
		Manager:        manager,
		Keys:           keys,
		AuditLogger:    auditLogger,
		Limiter:        buildLimiter(ctx, cfg, redisClient, logger),
		Logger:         logger,
		AuthOptional:   cfg.Auth.Optional,
		GuardAdmin:     cfg.Auth.GuardAdmin,
		LogAllRequests: cfg.Audit.LogAllRequests,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		TrustedProxies: proxies,
	}
	if auditStore != nil {
		opts.AuditStore = auditStore
	}
	if cfg.Observability.MetricsEnabled {
		opts.Metrics = metrics
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewServer(opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:        cfg.Server.HealthAddr(),
		Handler:     healthMux(cfg, version, db, redisClient, registry),
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	sm.Register("health_server", healthServer.Shutdown)
	// Registered last so it runs first: stop taking requests before closing dependencies
	sm.Register("api_server", apiServer.Shutdown)

	go cleanupExpiredKeys(ctx, keys, logger)

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{healthServer, apiServer} {
		go func(srv *http.Server) {
			logger.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("server on %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	logger.WithFields(map[string]interface{}{
		"version": version,
		"driver":  cfg.Database.Driver,
		"redis":   redisClient != nil,
	}).Info("bastion started")

	// a listener failing to bind ends the wait like a signal does
	waitCtx, stopWait := context.WithCancel(context.Background())
	var startErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case startErr = <-serveErr:
			stopWait()
		case <-waitCtx.Done():
		}
	}()

	err = sm.Wait(waitCtx)
	stopWait()
	<-done
	if startErr != nil {
		return errors.Join(startErr, err)
	}
	return err
}

// buildAudit assembles the audit sinks. The returned store is nil when events
// are not kept in the database.
func buildAudit(cfg *config.Config, db *sql.DB, logger *observability.Logger) (audit.Logger, *audit.DBLogger, error) {
	var sinks []audit.Logger
	var store *audit.DBLogger

	if cfg.Audit.Database && db != nil {
		if cfg.Database.Driver != config.DriverPostgres {
			logger.WithField("driver", cfg.Database.Driver).Warn("database audit sink needs postgres, skipping")
		} else {
			dbLogger, err := audit.NewDBLogger(db)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create audit table: %w", err)
			}
			store = dbLogger
			sinks = append(sinks, dbLogger)
		}
	}
	if cfg.Audit.FilePath != "" {
		fileCfg := audit.DefaultFileLoggerConfig()
		fileCfg.BasePath = cfg.Audit.FilePath
		fileCfg.MaxFiles = cfg.Audit.FileMaxFiles
		fileLogger, err := audit.NewFileLogger(fileCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		sinks = append(sinks, fileLogger)
	}

	var sink audit.Logger
	switch len(sinks) {
	case 0:
		logger.Warn("no audit sink configured")
		return audit.NoOpLogger{}, nil, nil
	case 1:
		sink = sinks[0]
	default:
		sink = audit.NewMultiLogger(sinks...)
	}
	if cfg.Audit.AsyncBuffer > 0 {
		auditLog := logger.WithField("component", "audit")
		sink = audit.NewAsyncLogger(sink, cfg.Audit.AsyncBuffer, func(err error) {
			auditLog.WithError(err).Warn("audit event not written")
		})
	}
	return sink, store, nil
}

func buildLimiter(ctx context.Context, cfg *config.Config, client *redis.Client, logger *observability.Logger) *middleware.RateLimitMiddleware {
	rl := cfg.RateLimit
	if !rl.Enabled {
		return nil
	}
	limiterLogger := logger.WithField("component", "ratelimit")
	if rl.Backend == config.BackendRedis {
		return middleware.NewRateLimitMiddleware(
			middleware.NewRedisLimiter(client, rl.KeyLimits(), "bastion:ratelimit:key"),
			middleware.NewRedisLimiter(client, rl.AnonymousLimits(), "bastion:ratelimit:anon"),
			rl.FailOpen, limiterLogger)
	}

	keyLimiter := middleware.NewLocalLimiter(rl.KeyLimits())
	anonLimiter := middleware.NewLocalLimiter(rl.AnonymousLimits())
	keyLimiter.StartCleanup(ctx)
	anonLimiter.StartCleanup(ctx)
	return middleware.NewRateLimitMiddleware(keyLimiter, anonLimiter, rl.FailOpen, limiterLogger)
}

func healthMux(cfg *config.Config, version string, db *sql.DB, client *redis.Client, registry *prometheus.Registry) *http.ServeMux {
	checker := observability.NewHealthChecker(version)
	if db != nil {
		checker.AddCheck("database", true, observability.DatabaseCheck(db))
	}
	if client != nil {
		// the cache and limiter degrade without redis
		checker.AddCheck("redis", false, observability.RedisCheck(client))
	}

	mux := http.NewServeMux()
	observability.RegisterHealthRoutes(mux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(mux, registry)
	}
	return mux
}

// cleanupExpiredKeys deletes expired API keys hourly until ctx ends
func cleanupExpiredKeys(ctx context.Context, keys *auth.KeyManager, logger *observability.Logger) {
	defer observability.RecoverPanic(logger, "key_cleanup")

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := keys.CleanupExpiredKeys(ctx)
			if err != nil {
				logger.WithError(err).Warn("api key cleanup failed")
				continue
			}
			if n > 0 {
				logger.WithField("deleted", n).Info("expired api keys deleted")
			}
		}
	}
}
