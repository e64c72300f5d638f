package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/httputil"
)

// AuthMiddleware provides API key authentication
type AuthMiddleware struct {
	keyManager *auth.KeyManager
	optional   bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(keyManager *auth.KeyManager, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		keyManager: keyManager,
		optional:   optional,
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Format: "Bearer <key>"
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		scheme, raw, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		key, err := m.keyManager.ValidateKey(r.Context(), strings.TrimSpace(raw))
		if err != nil {
			event := audit.NewEvent(r.Context(), audit.EventTypeAuthKeyValidateFail, audit.EventStatusDenied)
			event.IPAddress = httputil.ClientIP(r)
			event.Path = r.URL.Path
			event.ErrorMessage = err.Error()
			_ = audit.FromContext(r.Context()).Log(r.Context(), event)

			httputil.WriteUnauthorized(w, "invalid, revoked or expired api key")
			return
		}

		authCtx := &auth.AuthContext{
			UserID:         key.UserID,
			KeyID:          key.ID,
			OrganizationID: key.OrganizationID,
		}
		keyID := key.ID

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = audit.WithActor(ctx, audit.Actor{
			UserID:         key.UserID,
			KeyID:          &keyID,
			OrganizationID: key.OrganizationID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts the auth context from a request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// RequireAuth rejects requests that carry no auth context
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetAuthContext(r) == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
