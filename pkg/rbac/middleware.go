package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/middleware"
)

// PermissionMiddleware gates HTTP routes on engine decisions for the
// authenticated caller
type PermissionMiddleware struct {
	engine *Engine
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(engine *Engine) *PermissionMiddleware {
	return &PermissionMiddleware{engine: engine}
}

// Require creates middleware that requires action on every resource of resourceType
func (pm *PermissionMiddleware) Require(resourceType, action string) func(http.Handler) http.Handler {
	return pm.require(resourceType, action, func(*http.Request) string { return "" })
}

// RequireResource is like Require but scoped to the resource instance named
// by the mux path variable idVar
func (pm *PermissionMiddleware) RequireResource(resourceType, idVar, action string) func(http.Handler) http.Handler {
	return pm.require(resourceType, action, func(r *http.Request) string {
		return mux.Vars(r)[idVar]
	})
}

func (pm *PermissionMiddleware) require(resourceType, action string, resourceID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if middleware.GetAuthContext(r) == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			if !pm.Allowed(r, resourceType, action, resourceID(r)) {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Allowed decides action for the authenticated caller of r. Anonymous
// callers and engine errors are denied.
func (pm *PermissionMiddleware) Allowed(r *http.Request, resourceType, action, resourceID string) bool {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		return false
	}
	d, err := pm.engine.Decide(r.Context(), Request{
		Principal:    UserPrincipal(authCtx.UserID),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Context: RequestContext{
			OrganizationID: authCtx.OrganizationID,
			ClientIP:       httputil.ClientIP(r),
		},
	})
	// Decide fails closed and logs its own errors
	return err == nil && d.Allowed
}
