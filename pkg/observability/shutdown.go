package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc releases one component
type ShutdownFunc func(context.Context) error

type shutdownHook struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager stops components in reverse registration order within a
// shared deadline. Register servers last so they stop accepting work first.
type ShutdownManager struct {
	logger  *Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []shutdownHook
	done  bool
}

// NewShutdownManager creates a manager; a zero timeout means 30s
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, timeout: timeout}
}

// Register adds a named hook
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, shutdownHook{name: name, fn: fn})
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then shuts down
func (sm *ShutdownManager) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	sm.logger.Info("shutdown requested")
	return sm.Shutdown(context.Background())
}

// Shutdown runs every hook once, newest first, and joins their errors. Hooks
// still running at the deadline are abandoned.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	if sm.done {
		sm.mu.Unlock()
		return nil
	}
	sm.done = true
	hooks := sm.hooks
	sm.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		logger := sm.logger.WithField("component", h.name)

		result := make(chan error, 1)
		go func() { result <- h.fn(ctx) }()

		select {
		case err := <-result:
			if err != nil {
				logger.WithError(err).Error("shutdown failed")
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				continue
			}
			logger.Debug("shutdown complete")
		case <-ctx.Done():
			logger.Warn("shutdown deadline reached")
			return errors.Join(append(errs, fmt.Errorf("%s: %w", h.name, ctx.Err()))...)
		}
	}
	if len(errs) == 0 {
		sm.logger.Info("graceful shutdown complete")
	}
	return errors.Join(errs...)
}
