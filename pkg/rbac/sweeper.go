package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// SweeperConfig configures the housekeeping schedule
type SweeperConfig struct {
	// Schedule is a standard five-field cron expression
	Schedule string

	// GrantRetention keeps expired and rejected grants this long before pruning
	GrantRetention time.Duration

	// AuditRetention purges audit events older than this; zero keeps them forever
	AuditRetention time.Duration

	// Timeout bounds a single run
	Timeout time.Duration
}

// DefaultSweeperConfig runs hourly and keeps stale grants for a week
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:       "0 * * * *",
		GrantRetention: 7 * 24 * time.Hour,
		Timeout:        5 * time.Minute,
	}
}

// SweepResult reports what one run removed
type SweepResult struct {
	GrantsRemoved int   `json:"grants_removed"`
	AuditPurged   int64 `json:"audit_purged"`
}

// Sweeper periodically prunes user grants that can never become effective
// again and optionally old audit events. Decisions never depend on it: an
// expired grant is ignored whether or not it has been swept.
type Sweeper struct {
	config  SweeperConfig
	service *Service
	audit   audit.Store
	logger  *observability.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper. auditStore may be nil to skip audit purging.
func NewSweeper(config SweeperConfig, service *Service, auditStore audit.Store, logger *observability.Logger) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.GrantRetention < 0 {
		config.GrantRetention = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = service.logger
	}
	return &Sweeper{
		config:  config,
		service: service,
		audit:   auditStore,
		logger:  logger,
		now:     time.Now,
	}
}

// RunOnce performs a single sweep
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	n, err := s.service.PruneStaleGrants(ctx, s.config.GrantRetention)
	if err != nil {
		return result, err
	}
	result.GrantsRemoved = n

	if s.audit != nil && s.config.AuditRetention > 0 {
		purged, err := s.audit.Purge(ctx, s.now().Add(-s.config.AuditRetention))
		if err != nil {
			return result, fmt.Errorf("failed to purge audit log: %w", err)
		}
		result.AuditPurged = purged
	}
	return result, nil
}

// Start schedules the sweep. It returns an error for an invalid schedule.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.config.Schedule, func() {
		defer observability.RecoverPanic(s.logger, "sweeper")
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
		defer cancel()

		result, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.WithError(err).Error("sweep failed")
			return
		}
		s.logger.WithFields(map[string]interface{}{
			"grants_removed": result.GrantsRemoved,
			"audit_purged":   result.AuditPurged,
		}).Info("sweep completed")
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.Schedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.WithField("schedule", s.config.Schedule).Info("sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
