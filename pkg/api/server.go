package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/auth"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/middleware"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

// APIPrefix is the path prefix of every versioned route
const APIPrefix = "/api/v1"

// Options configure the HTTP surface of the server
type Options struct {
	// Manager is required
	Manager *rbac.Manager

	// Keys authenticates callers; nil leaves every request anonymous
	Keys *auth.KeyManager

	AuditLogger audit.Logger
	// AuditStore enables the /audit query routes
	AuditStore audit.Store

	// Limiter is optional
	Limiter *middleware.RateLimitMiddleware
	// Metrics is optional
	Metrics *observability.Metrics
	Logger  *observability.Logger

	// AuthOptional lets requests without a key through as anonymous
	AuthOptional bool
	// GuardAdmin gates the admin and audit routes on rbac permissions
	GuardAdmin     bool
	LogAllRequests bool
	MaxBodyBytes   int64
	// TrustedProxies may report the caller address in forwarding headers
	TrustedProxies httputil.TrustedProxies
}

// Server is the bastion HTTP API
type Server struct {
	router  *mux.Router
	handler http.Handler
	opts    Options
}

// NewServer builds the router and its middleware stack
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = audit.NoOpLogger{}
	}

	s := &Server{
		router: mux.NewRouter(),
		opts:   opts,
	}
	s.setupRoutes()
	s.handler = otelhttp.NewHandler(s.middleware()(s.router), "bastion.api")
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the underlying router so callers can mount extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "route not found")
	})
	if s.opts.Metrics != nil {
		// router middleware only sees matched routes, so labels stay bounded
		s.router.Use(observability.HTTPMetricsMiddleware(s.opts.Metrics, routeTemplate))
	}

	v1 := s.router.PathPrefix(APIPrefix).Subrouter()
	s.opts.Manager.RegisterRoutes(v1, s.opts.GuardAdmin)

	if s.opts.Keys != nil {
		NewKeyHandlers(s.opts.Keys, s.opts.Logger.WithField("component", "api_keys")).RegisterRoutes(v1)
	}

	if s.opts.AuditStore != nil {
		auditRoutes := v1.NewRoute().Subrouter()
		if s.opts.GuardAdmin {
			auditRoutes.Use(s.opts.Manager.Middleware().Require(rbac.ResourceAuditLog, rbac.ActionRead))
		}
		audit.NewHandlers(s.opts.AuditStore).RegisterRoutes(auditRoutes)
	}
}

// middleware returns the request pipeline, outermost first
func (s *Server) middleware() func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.ClientIPMiddleware(s.opts.TrustedProxies),
		httputil.RecoveryMiddleware(s.opts.Logger),
		httputil.LoggingMiddleware(s.opts.Logger.WithField("component", "http")),
	}
	if s.opts.MaxBodyBytes > 0 {
		chain = append(chain, httputil.MaxBytesMiddleware(s.opts.MaxBodyBytes))
	}
	chain = append(chain,
		httputil.ContentTypeMiddleware,
		audit.NewMiddleware(s.opts.AuditLogger, s.opts.LogAllRequests).Handler,
	)
	if s.opts.Keys != nil {
		chain = append(chain, middleware.NewAuthMiddleware(s.opts.Keys, s.opts.AuthOptional).Handler)
	}
	// after auth, so authenticated callers are limited per key
	if s.opts.Limiter != nil {
		chain = append(chain, s.opts.Limiter.Handler)
	}
	return httputil.Chain(chain...)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
