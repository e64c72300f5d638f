package audit

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// Actor identifies the authenticated caller recorded on audit events
type Actor struct {
	UserID         uuid.UUID
	KeyID          *uuid.UUID
	OrganizationID *uuid.UUID
}

// contextKey is the type for context keys
type contextKey string

const (
	// AuditLoggerKey is the context key for the audit logger
	AuditLoggerKey contextKey = "audit_logger"

	// ActorKey is the context key for the calling actor
	ActorKey contextKey = "audit_actor"

	// RequestIDKey is the context key the HTTP layer stores request IDs under
	RequestIDKey contextKey = "request_id"
)

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	// Return a no-op logger if none is set
	return NoOpLogger{}
}

// WithActor records the authenticated caller in the context
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// ActorFromContext retrieves the caller, if any
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ActorKey).(Actor)
	return actor, ok
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// NoOpLogger discards every event
type NoOpLogger struct{}

func (NoOpLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }

func (NoOpLogger) Close() error { return nil }

// NewEvent creates an event stamped with the actor and request ID from ctx
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Metadata:  make(map[string]interface{}),
	}
	if actor, ok := ActorFromContext(ctx); ok {
		id := actor.UserID
		event.ActorID = &id
		event.KeyID = actor.KeyID
		event.OrganizationID = actor.OrganizationID
	}
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		event.RequestID = requestID
	}
	return event
}

// newRequestEvent creates an event for an HTTP request
func newRequestEvent(ctx context.Context, r *http.Request, eventType EventType, status EventStatus) *AuditEvent {
	event := NewEvent(ctx, eventType, status)
	if r != nil {
		event.IPAddress = getClientIP(r)
		event.UserAgent = r.UserAgent()
		event.Method = r.Method
		event.Path = r.URL.Path
	}
	return event
}

// getClientIP returns the caller address resolved by the HTTP stack, or the
// peer address. Forwarding headers are never read here.
func getClientIP(r *http.Request) string {
	if ip := contextkeys.GetClientIP(r.Context()); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// LogSuccess logs a successful event with a message
func LogSuccess(ctx context.Context, logger Logger, eventType EventType, message string, metadata map[string]interface{}) error {
	event := NewEvent(ctx, eventType, EventStatusSuccess)
	event.Message = message
	if metadata != nil {
		event.Metadata = metadata
	}
	return logger.Log(ctx, event)
}

// LogFailure logs a failed event with an error
func LogFailure(ctx context.Context, logger Logger, eventType EventType, message string, err error) error {
	event := NewEvent(ctx, eventType, EventStatusFailure)
	event.Message = message
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	return logger.Log(ctx, event)
}
