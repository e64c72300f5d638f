// Package middleware provides HTTP middleware for API key authentication and
// rate limiting.
//
// # Authentication
//
//	authn := middleware.NewAuthMiddleware(keyManager, false)
//	router.Use(authn.Handler)
//
// The middleware reads "Authorization: Bearer bst_...", validates the key and
// stores an *auth.AuthContext and an audit.Actor in the request context. Failed
// validations are written to the audit logger found in the context.
//
// # Rate Limiting
//
// LocalLimiter is a per-process token bucket. RedisLimiter is a fixed window
// counter shared by every replica:
//
//	limiter := middleware.NewRedisLimiter(redisClient, middleware.PerKeyRateLimitConfig(), "")
//	rl := middleware.NewRateLimitMiddleware(limiter, anonLimiter, true, logger)
//	router.Use(rl.Handler)
//
// Authenticated requests are counted per API key, anonymous ones per client IP.
//
// # Related Packages
//
//   - pkg/auth: key validation
//   - pkg/rbac: permission checks on top of the auth context
package middleware
