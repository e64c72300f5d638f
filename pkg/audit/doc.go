// Package audit records security-relevant events: authorization decisions,
// grant and policy mutations, API key use and admin API requests.
//
// # Overview
//
// Every event carries the calling actor (user, API key, organization) taken
// from the request context, the subject principal, the resource and action
// involved and optional before/after changes.
//
// # Event Types
//
// Authorization: authz.decision, authz.access_denied
// Grants: grant.user_create, grant.user_approve, grant.user_reject, grant.user_revoke,
// grant.group_create, grant.group_revoke, grant.resource_add, grant.sweep
// Policies: policy.create, policy.attach, policy.detach, policy.instantiate
// Auth: auth.key_create, auth.key_revoke, auth.key_validate_fail
//
// # Usage Example
//
//	event := audit.NewEvent(ctx, audit.EventTypeGrantUserApprove, audit.EventStatusSuccess)
//	event.Principal = "user:" + userID.String()
//	event.ResourceType = "user_role"
//	event.ResourceID = grantID.String()
//	_ = logger.Log(ctx, event)
//
// Search audit logs:
//
//	denied := audit.EventStatusDenied
//	results, err := dbLogger.Search(ctx, audit.SearchFilter{
//		EventTypes: []audit.EventType{audit.EventTypeAuthzDecision},
//		Status:     &denied,
//		Limit:      50,
//	})
//
// # Sinks
//
// DBLogger writes the audit_log table, FileLogger writes rotating JSON lines
// and MultiLogger fans out to several sinks.
package audit
