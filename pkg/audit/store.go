package audit

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned by Get for an unknown event ID
var ErrEventNotFound = errors.New("audit event not found")

// Store provides methods for querying and managing audit logs
type Store interface {
	// Search searches audit logs based on filters
	Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error)

	// Get retrieves a specific audit event by ID
	Get(ctx context.Context, id int64) (*AuditEvent, error)

	// GetStats retrieves audit log statistics
	GetStats(ctx context.Context, startTime, endTime *time.Time) (*AuditStats, error)

	// Purge removes audit logs older than the cutoff
	Purge(ctx context.Context, before time.Time) (int64, error)
}

var _ Store = (*DBLogger)(nil)

// Get retrieves a specific audit event by ID
func (l *DBLogger) Get(ctx context.Context, id int64) (*AuditEvent, error) {
	events, err := l.Search(ctx, SearchFilter{ID: &id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEventNotFound
	}
	return events[0], nil
}
