package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const auditLogSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
	event_type VARCHAR(100) NOT NULL,
	status VARCHAR(20) NOT NULL,
	actor_id UUID,
	key_id UUID,
	organization_id UUID,
	principal VARCHAR(100),
	resource_type VARCHAR(100),
	resource_id VARCHAR(255),
	action VARCHAR(100),
	ip_address VARCHAR(45),
	user_agent TEXT,
	request_id VARCHAR(100),
	method VARCHAR(10),
	path TEXT,
	status_code INTEGER,
	message TEXT,
	error_message TEXT,
	metadata JSONB,
	changes JSONB,
	created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_log_actor_id ON audit_log(actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_principal ON audit_log(principal);
CREATE INDEX IF NOT EXISTS idx_audit_log_resource ON audit_log(resource_type, resource_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_status ON audit_log(status);
`

// eventColumns is the column order shared by inserts and selects, minus id
var eventColumns = []string{
	"timestamp", "event_type", "status",
	"actor_id", "key_id", "organization_id", "principal",
	"resource_type", "resource_id", "action",
	"ip_address", "user_agent", "request_id",
	"method", "path", "status_code",
	"message", "error_message", "metadata", "changes",
}

var (
	insertEventSQL = fmt.Sprintf("INSERT INTO audit_log (%s) VALUES (%s) RETURNING id",
		strings.Join(eventColumns, ", "), placeholders(len(eventColumns)))
	selectEventSQL = fmt.Sprintf("SELECT id, %s FROM audit_log", strings.Join(eventColumns, ", "))
)

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ps, ", ")
}

// DBLogger writes audit events to the PostgreSQL audit_log table and serves
// queries over it
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates the audit_log table if needed
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if _, err := db.Exec(auditLogSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_log table: %w", err)
	}
	return &DBLogger{db: db}, nil
}

// Log inserts the event and writes the assigned ID back into it
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	metadata, err := jsonColumn(event.Metadata, len(event.Metadata) > 0)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	changes, err := jsonColumn(event.Changes, event.Changes != nil)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}

	err = l.db.QueryRowContext(ctx, insertEventSQL,
		event.Timestamp, event.EventType, event.Status,
		event.ActorID, event.KeyID, event.OrganizationID, event.Principal,
		event.ResourceType, event.ResourceID, event.Action,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Method, event.Path, event.StatusCode,
		event.Message, event.ErrorMessage, metadata, changes,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

func jsonColumn(v interface{}, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	return json.Marshal(v)
}

// predicates accumulates AND-ed conditions with numbered placeholders
type predicates struct {
	clauses []string
	args    []interface{}
}

func (p *predicates) add(clause string, arg interface{}) {
	p.args = append(p.args, arg)
	p.clauses = append(p.clauses, fmt.Sprintf(clause, len(p.args)))
}

// next returns the placeholder for an argument appended outside the WHERE clause
func (p *predicates) next(arg interface{}) string {
	p.args = append(p.args, arg)
	return fmt.Sprintf("$%d", len(p.args))
}

func (p *predicates) where() string {
	var b strings.Builder
	b.WriteString("WHERE 1=1")
	for _, c := range p.clauses {
		b.WriteString(" AND ")
		b.WriteString(c)
	}
	return b.String()
}

func timeRange(start, end *time.Time) *predicates {
	p := &predicates{}
	if start != nil {
		p.add("timestamp >= $%d", *start)
	}
	if end != nil {
		p.add("timestamp <= $%d", *end)
	}
	return p
}

func filterPredicates(f SearchFilter) *predicates {
	p := &predicates{}
	if f.ID != nil {
		p.add("id = $%d", *f.ID)
	}
	if f.StartTime != nil {
		p.add("timestamp >= $%d", *f.StartTime)
	}
	if f.EndTime != nil {
		p.add("timestamp <= $%d", *f.EndTime)
	}
	if f.ActorID != nil {
		p.add("actor_id = $%d", *f.ActorID)
	}
	if f.OrganizationID != nil {
		p.add("organization_id = $%d", *f.OrganizationID)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, et := range f.EventTypes {
			types[i] = string(et)
		}
		p.add("event_type = ANY($%d)", pq.Array(types))
	}
	if f.Status != nil {
		p.add("status = $%d", string(*f.Status))
	}
	if f.Principal != "" {
		p.add("principal = $%d", f.Principal)
	}
	if f.ResourceType != "" {
		p.add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		p.add("resource_id = $%d", f.ResourceID)
	}
	return p
}

// Search returns matching events, newest first
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	p := filterPredicates(filter)
	query := selectEventSQL + " " + p.where() + " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + p.next(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + p.next(filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	events := make([]*AuditEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*AuditEvent, error) {
	event := &AuditEvent{Metadata: make(map[string]interface{})}

	var actorID, keyID, orgID uuid.NullUUID
	var statusCode sql.NullInt64
	var metadata, changes []byte
	// nullable text columns, in eventColumns order
	var text [11]sql.NullString

	err := rows.Scan(
		&event.ID, &event.Timestamp, &event.EventType, &event.Status,
		&actorID, &keyID, &orgID, &text[0],
		&text[1], &text[2], &text[3],
		&text[4], &text[5], &text[6],
		&text[7], &text[8], &statusCode,
		&text[9], &text[10], &metadata, &changes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	event.ActorID = nullUUID(actorID)
	event.KeyID = nullUUID(keyID)
	event.OrganizationID = nullUUID(orgID)
	for i, dst := range []*string{
		&event.Principal,
		&event.ResourceType, &event.ResourceID, &event.Action,
		&event.IPAddress, &event.UserAgent, &event.RequestID,
		&event.Method, &event.Path,
		&event.Message, &event.ErrorMessage,
	} {
		*dst = text[i].String
	}
	event.StatusCode = int(statusCode.Int64)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if len(changes) > 0 {
		event.Changes = &ChangeDetails{}
		if err := json.Unmarshal(changes, event.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}
	return event, nil
}

// GetStats summarizes events in the optional time range
func (l *DBLogger) GetStats(ctx context.Context, startTime, endTime *time.Time) (*AuditStats, error) {
	stats := &AuditStats{
		EventsByType:   make(map[EventType]int64),
		EventsByStatus: make(map[EventStatus]int64),
	}
	if startTime != nil || endTime != nil {
		stats.TimeRange = &TimeRange{}
		if startTime != nil {
			stats.TimeRange.Start = *startTime
		}
		if endTime != nil {
			stats.TimeRange.End = *endTime
		}
	}

	p := timeRange(startTime, endTime)
	where := p.where()

	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log "+where, p.args...).Scan(&stats.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to get total events: %w", err)
	}
	if err := l.countBy(ctx, "event_type", where, p.args, func(key string, n int64) {
		stats.EventsByType[EventType(key)] = n
	}); err != nil {
		return nil, fmt.Errorf("failed to get events by type: %w", err)
	}
	if err := l.countBy(ctx, "status", where, p.args, func(key string, n int64) {
		stats.EventsByStatus[EventStatus(key)] = n
	}); err != nil {
		return nil, fmt.Errorf("failed to get events by status: %w", err)
	}
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT actor_id) FROM audit_log "+where+" AND actor_id IS NOT NULL", p.args...).
		Scan(&stats.UniqueActors)
	if err != nil {
		return nil, fmt.Errorf("failed to get unique actors: %w", err)
	}

	stats.AccessDenials = stats.EventsByStatus[EventStatusDenied]
	return stats, nil
}

func (l *DBLogger) countBy(ctx context.Context, column, where string, args []interface{}, set func(string, int64)) error {
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf("SELECT %[1]s, COUNT(*) FROM audit_log %[2]s GROUP BY %[1]s", column, where), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		set(key, n)
	}
	return rows.Err()
}

// Purge deletes events older than before
func (l *DBLogger) Purge(ctx context.Context, before time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit logs: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op; the database is shared with the role store
func (l *DBLogger) Close() error {
	return nil
}

func nullUUID(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}
