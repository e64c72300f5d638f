// Package contextkeys provides centralized context key definitions
//
// All context keys shared across packages are defined here.
//
//	import "github.com/platinummonkey/bastion/pkg/contextkeys"
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx, _ := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: admin endpoints, rbac.PermissionMiddleware
	AuthKey Key = "auth_context"

	// RequestIDKey contains the request ID string
	// Set by: httputil.RequestIDMiddleware
	// Used by: request logging
	RequestIDKey Key = "request_id"

	// ClientIPKey contains the caller address string, forwarding headers
	// already resolved against the trusted proxies
	// Set by: httputil.ClientIPMiddleware
	// Used by: ip_range conditions, rate limiting, audit events
	ClientIPKey Key = "client_ip"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithClientIP adds the resolved caller address to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// GetClientIP retrieves the resolved caller address from context
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}
