// Package rbac decides whether a user or group may perform an action on a
// resource of the database-access platform, and administers the roles,
// grants and policies behind those decisions.
//
// # Overview
//
// Roles form a hierarchy through ParentRoleID: holding a role implies holding
// every active ancestor. Users receive roles through UserRole grants, which
// must be approved and, when temporary, unexpired. Groups receive roles
// through GroupRole grants, and a user also holds the roles of every group
// they belong to.
//
// Permissions come from two places:
//
//	RbacPolicy     - named allow/deny rules (resource:action[@scope]) plus
//	                 conditions, attached to roles through RolePolicy
//	RoleResource   - actions granted to a role on one resource instance
//
// # Decisions
//
// Engine.Decide evaluates a Request:
//
//  1. Resolve the principal's effective roles at the request instant.
//  2. Collect every policy rule and resource grant that matches.
//  3. No match is a default deny.
//  4. A deny rule wins when its role priority is at least the highest
//     priority among matching allows.
//  5. If the result is allow, every condition of every allowing policy must
//     hold. A condition that cannot be evaluated counts as failed.
//
// Every failure path fails closed: the returned Decision is a Deny even when
// an error is returned alongside it.
//
//	engine := rbac.NewEngine(store, rbac.WithRoleResolver(cache))
//	d, err := engine.Decide(ctx, rbac.Request{
//		Principal:    rbac.UserPrincipal(userID),
//		Action:       rbac.ActionRead,
//		ResourceType: rbac.ResourceConnection,
//		ResourceID:   connID.String(),
//	})
//
// # Conditions
//
// Policies may carry time_window, ip_range and attribute_equals conditions.
// Conditions only restrict allows; they never turn a deny into an allow.
//
// # Storage
//
// SQLStore runs on PostgreSQL and SQLite; MemoryStore serves tests and
// single-process deployments. Both take a consistent snapshot per decision.
//
// # Caching
//
// CachedResolver keeps effective roles in an expiring LRU and optionally in
// Redis. An entry never outlives the earliest expiry of the temporary grants
// behind it. Service invalidates entries on every write that can change a
// principal's roles. Policies and resource grants are read fresh on every
// decision and are not cached.
//
// # Administration
//
// Service validates, audits and applies writes. Handlers expose it over HTTP
// together with the decision endpoints, and PermissionMiddleware gates admin
// routes on the rbac resource. Seeder applies a YAML seed of roles, policies
// and bindings idempotently; Sweeper prunes grants that can never become
// effective again.
//
// # Related Packages
//
//   - pkg/audit: decision and mutation audit trail
//   - pkg/auth: API keys of admin callers
//   - pkg/observability: logging, metrics and tracing
package rbac
