package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrLoggerClosed is returned by Log after Close
var ErrLoggerClosed = errors.New("audit logger closed")

// MultiLogger fans every event out to each sink in order. Each sink receives
// its own copy since DBLogger writes the assigned ID back.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger creates a logger writing to all sinks
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

// Log writes to every sink, even after one fails, and joins the failures
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	var errs []error
	for i, sink := range m.sinks {
		copied := *event
		if err := sink.Log(ctx, &copied); err != nil {
			errs = append(errs, fmt.Errorf("audit sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m *MultiLogger) Close() error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncLogger moves sink latency off the request path. Events go through a
// bounded queue drained by one worker; when the queue is full events are
// dropped and counted rather than blocking the caller.
type AsyncLogger struct {
	next    Logger
	queue   chan queuedEvent
	onError func(error)

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

type queuedEvent struct {
	ctx   context.Context
	event *AuditEvent
}

// NewAsyncLogger starts the worker. onError may be nil.
func NewAsyncLogger(next Logger, buffer int, onError func(error)) *AsyncLogger {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &AsyncLogger{
		next:    next,
		queue:   make(chan queuedEvent, buffer),
		onError: onError,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for q := range a.queue {
		if err := a.next.Log(q.ctx, q.event); err != nil {
			a.failed.Add(1)
			if a.onError != nil {
				a.onError(err)
			}
		}
	}
}

// Log enqueues a copy of the event. The request context's values are kept
// but its cancellation is not.
func (a *AsyncLogger) Log(ctx context.Context, event *AuditEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrLoggerClosed
	}

	copied := *event
	select {
	case a.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: &copied}:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Dropped reports events discarded because the queue was full
func (a *AsyncLogger) Dropped() int64 { return a.dropped.Load() }

// Failed reports events the wrapped logger rejected
func (a *AsyncLogger) Failed() int64 { return a.failed.Load() }

// Close flushes the queue and closes the wrapped logger
func (a *AsyncLogger) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
