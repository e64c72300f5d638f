package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// Config holds RBAC configuration
type Config struct {
	// Dialect of the database handed to NewManager
	Dialect Dialect

	// CacheEnabled puts a CachedResolver in front of grant resolution
	CacheEnabled bool
	Cache        CacheConfig

	// AuditAllows records allow decisions as well as denials
	AuditAllows bool

	// BatchConcurrency bounds parallel evaluation in BatchDecide
	BatchConcurrency int

	// SeedPath is a YAML seed file; empty applies the built-in defaults
	SeedPath string
	// SkipSeed leaves the store untouched at Initialize
	SkipSeed bool

	Sweeper        SweeperConfig
	SweeperEnabled bool
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		Dialect:          DialectPostgres,
		CacheEnabled:     true,
		Cache:            DefaultCacheConfig(),
		BatchConcurrency: 16,
		Sweeper:          DefaultSweeperConfig(),
		SweeperEnabled:   true,
	}
}

// Dependencies are the optional collaborators of a Manager
type Dependencies struct {
	Redis       *redis.Client
	AuditLogger audit.Logger
	AuditStore  audit.Store
	Metrics     *observability.Metrics
	Recorder    observability.DecisionRecorder
	Logger      *observability.Logger
}

// Manager wires the store, engine, cache, service and HTTP layer together
type Manager struct {
	db         *sql.DB
	store      Repository
	cache      *CachedResolver
	engine     *Engine
	service    *Service
	handlers   *Handlers
	middleware *PermissionMiddleware
	seeder     *Seeder
	sweeper    *Sweeper
	config     Config
	logger     *observability.Logger
}

// NewManager creates a new RBAC manager. A nil db selects the in-memory store.
func NewManager(db *sql.DB, config Config, deps Dependencies) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	auditLogger := deps.AuditLogger
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}
	var recorder observability.DecisionRecorder = observability.Recorders(nil)
	switch {
	case deps.Recorder != nil:
		recorder = deps.Recorder
	case deps.Metrics != nil:
		recorder = deps.Metrics
	}

	var store Repository
	if db != nil {
		store = NewSQLStore(db, config.Dialect)
	} else {
		store = NewMemoryStore()
	}

	m := &Manager{db: db, store: store, config: config, logger: logger}

	engineOpts := []EngineOption{
		WithEngineLogger(logger.WithField("component", "rbac_engine")),
		WithDecisionRecorder(recorder),
		WithAuditLogger(auditLogger, config.AuditAllows),
	}
	if config.BatchConcurrency > 0 {
		engineOpts = append(engineOpts, WithBatchConcurrency(config.BatchConcurrency))
	}
	serviceOpts := []ServiceOption{
		WithServiceAudit(auditLogger),
		WithServiceMetrics(deps.Metrics),
		WithServiceLogger(logger.WithField("component", "rbac_service")),
	}
	if config.CacheEnabled {
		m.cache = NewCachedResolver(config.Cache, deps.Redis, recorder, logger.WithField("component", "rbac_cache"))
		engineOpts = append(engineOpts, WithRoleResolver(m.cache))
		serviceOpts = append(serviceOpts, WithCache(m.cache))
	}

	m.engine = NewEngine(store, engineOpts...)
	m.service = NewService(store, serviceOpts...)
	m.middleware = NewPermissionMiddleware(m.engine)
	m.handlers = NewHandlers(m.service, m.engine, logger.WithField("component", "rbac_http"))
	m.seeder = NewSeeder(m.service, logger.WithField("component", "rbac_seed"))
	m.sweeper = NewSweeper(config.Sweeper, m.service, deps.AuditStore, logger.WithField("component", "rbac_sweeper"))
	return m
}

// Initialize runs migrations and applies the seed
func (m *Manager) Initialize(ctx context.Context) error {
	if m.db != nil {
		if err := RunMigrations(ctx, m.db, m.logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	if m.config.SkipSeed {
		return nil
	}

	seed := DefaultSeed()
	if m.config.SeedPath != "" {
		f, err := LoadSeedFile(m.config.SeedPath)
		if err != nil {
			return err
		}
		seed = f
	}
	if _, err := m.seeder.Apply(ctx, seed); err != nil {
		return fmt.Errorf("failed to apply seed: %w", err)
	}
	return nil
}

// Start launches background housekeeping
func (m *Manager) Start() error {
	if !m.config.SweeperEnabled {
		return nil
	}
	return m.sweeper.Start()
}

// Stop halts background housekeeping
func (m *Manager) Stop(ctx context.Context) error {
	return m.sweeper.Stop(ctx)
}

// WatchSeed re-applies the configured seed file when it changes, until ctx ends
func (m *Manager) WatchSeed(ctx context.Context, debounce time.Duration) error {
	if m.config.SeedPath == "" {
		return fmt.Errorf("no seed file configured")
	}
	return m.seeder.Watch(ctx, m.config.SeedPath, debounce)
}

// RegisterRoutes registers RBAC routes with a router. Admin routes are gated
// by rbac permissions when guarded is set.
func (m *Manager) RegisterRoutes(router *mux.Router, guarded bool) {
	var perms *PermissionMiddleware
	if guarded {
		perms = m.middleware
	}
	m.handlers.RegisterRoutes(router, perms)
}

// Engine returns the decision engine
func (m *Manager) Engine() *Engine {
	return m.engine
}

// Service returns the administrative service
func (m *Manager) Service() *Service {
	return m.service
}

// Store returns the backing repository
func (m *Manager) Store() Repository {
	return m.store
}

// Middleware returns the permission middleware
func (m *Manager) Middleware() *PermissionMiddleware {
	return m.middleware
}

// Seeder returns the seed applier
func (m *Manager) Seeder() *Seeder {
	return m.seeder
}

// Sweeper returns the grant sweeper
func (m *Manager) Sweeper() *Sweeper {
	return m.sweeper
}

// Cache returns the effective-role cache, or nil when disabled
func (m *Manager) Cache() *CachedResolver {
	return m.cache
}

// Decide is a convenience wrapper around Engine.Decide that returns only
// whether the action is allowed. Errors are reported as denials.
func (m *Manager) Decide(ctx context.Context, p Principal, action, resourceType, resourceID string, organizationID *uuid.UUID) bool {
	d, err := m.engine.Decide(ctx, Request{
		Principal:    p,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Context:      RequestContext{OrganizationID: organizationID},
	})
	return err == nil && d.Allowed
}
