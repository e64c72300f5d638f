// Package api assembles the bastion HTTP API: the rbac admin and decision
// routes, self-service API keys and audit queries, all under /api/v1 behind
// one middleware stack.
//
// Requests pass through, outermost first: OpenTelemetry tracing, request ID,
// panic recovery, access logging, body limit, content type check, audit
// context, API key authentication and rate limiting. Prometheus HTTP metrics
// are recorded per route template.
//
// # Routes
//
//	POST   /api/v1/authz/decide
//	POST   /api/v1/authz/decide/batch
//	GET    /api/v1/authz/principals/{kind}/{id}/roles
//	...    /api/v1/roles, /users, /groups, /policies (rbac admin)
//	POST   /api/v1/auth/keys
//	GET    /api/v1/auth/keys
//	DELETE /api/v1/auth/keys/{id}
//	GET    /api/v1/audit/events
//	GET    /api/v1/audit/events/{id}
//	GET    /api/v1/audit/stats
//
// # Usage
//
//	srv := api.NewServer(api.Options{
//		Manager:    manager,
//		Keys:       auth.NewKeyManager(keyStore),
//		AuditStore: auditDB,
//		GuardAdmin: true,
//	})
//	http.ListenAndServe(":8080", srv)
package api
