package audit

import (
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthKeyCreate       EventType = "auth.key_create"
	EventTypeAuthKeyRevoke       EventType = "auth.key_revoke"
	EventTypeAuthKeyValidateFail EventType = "auth.key_validate_fail"

	// Authorization events
	EventTypeAuthzDecision     EventType = "authz.decision"
	EventTypeAuthzAccessDenied EventType = "authz.access_denied"

	// Role events
	EventTypeRoleCreate EventType = "role.create"
	EventTypeRoleUpdate EventType = "role.update"
	EventTypeRoleDelete EventType = "role.delete"

	// Grant events
	EventTypeGrantUserCreate     EventType = "grant.user_create"
	EventTypeGrantUserApprove    EventType = "grant.user_approve"
	EventTypeGrantUserReject     EventType = "grant.user_reject"
	EventTypeGrantUserRevoke     EventType = "grant.user_revoke"
	EventTypeGrantGroupCreate    EventType = "grant.group_create"
	EventTypeGrantGroupRevoke    EventType = "grant.group_revoke"
	EventTypeGrantResourceAdd    EventType = "grant.resource_add"
	EventTypeGrantResourceRemove EventType = "grant.resource_remove"
	EventTypeGrantSweep          EventType = "grant.sweep"

	// Policy events
	EventTypePolicyCreate      EventType = "policy.create"
	EventTypePolicyUpdate      EventType = "policy.update"
	EventTypePolicyDelete      EventType = "policy.delete"
	EventTypePolicyAttach      EventType = "policy.attach"
	EventTypePolicyDetach      EventType = "policy.detach"
	EventTypePolicyInstantiate EventType = "policy.instantiate"

	// Directory events
	EventTypeDirectoryUserCreate   EventType = "directory.user_create"
	EventTypeDirectoryGroupCreate  EventType = "directory.group_create"
	EventTypeDirectoryMemberAdd    EventType = "directory.member_add"
	EventTypeDirectoryMemberRemove EventType = "directory.member_remove"

	// Configuration events
	EventTypeConfigSeedApply EventType = "config.seed_apply"

	// Admin API requests
	EventTypeHTTPRequest EventType = "http.request"
)

// Category is the part of the event type before the dot, e.g. "grant"
func (t EventType) Category() string {
	category, _, _ := strings.Cut(string(t), ".")
	return category
}

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	// Core fields
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information: who made the call
	ActorID        *uuid.UUID `json:"actor_id,omitempty"`
	KeyID          *uuid.UUID `json:"key_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`

	// Subject of the event, e.g. the principal a decision was made for
	Principal string `json:"principal,omitempty"`

	// Resource information
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	Action       string `json:"action,omitempty"`

	// Request context
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	// Additional details
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for updates)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails holds the fields an update changed, old and new values keyed alike
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// Diff keeps only the keys whose values differ between before and after.
// It returns nil when nothing changed.
func Diff(before, after map[string]interface{}) *ChangeDetails {
	changes := &ChangeDetails{Before: map[string]interface{}{}, After: map[string]interface{}{}}
	for k, old := range before {
		if cur, ok := after[k]; !ok || !reflect.DeepEqual(old, cur) {
			changes.Before[k] = old
			if ok {
				changes.After[k] = cur
			}
		}
	}
	for k, cur := range after {
		if _, ok := before[k]; !ok {
			changes.After[k] = cur
		}
	}
	if len(changes.Before) == 0 && len(changes.After) == 0 {
		return nil
	}
	return changes
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	// Actor filters
	ActorID        *uuid.UUID
	OrganizationID *uuid.UUID

	// Event filters
	ID         *int64
	EventTypes []EventType
	Status     *EventStatus
	Principal  string

	// Resource filters
	ResourceType string
	ResourceID   string

	// Pagination
	Limit  int
	Offset int
}

// AuditStats represents statistics about audit logs
type AuditStats struct {
	TotalEvents    int64                 `json:"total_events"`
	EventsByType   map[EventType]int64   `json:"events_by_type"`
	EventsByStatus map[EventStatus]int64 `json:"events_by_status"`
	UniqueActors   int64                 `json:"unique_actors"`
	AccessDenials  int64                 `json:"access_denials"`
	TimeRange      *TimeRange            `json:"time_range,omitempty"`
}

// TimeRange bounds a statistics query
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
