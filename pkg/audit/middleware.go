package audit

import (
	"net/http"
	"strings"
	"time"
)

// Middleware provides HTTP middleware for audit logging
type Middleware struct {
	logger         Logger
	logAllRequests bool // If false, only log mutations, failures and sensitive reads
}

// NewMiddleware creates a new audit middleware
func NewMiddleware(logger Logger, logAllRequests bool) *Middleware {
	return &Middleware{
		logger:         logger,
		logAllRequests: logAllRequests,
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Handler wraps an HTTP handler with audit logging
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ctx := WithLogger(r.Context(), m.logger)
		r = r.WithContext(ctx)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		if !m.logAllRequests && !m.shouldLogRequest(r, wrapped.statusCode) {
			return
		}

		status := EventStatusSuccess
		switch {
		case wrapped.statusCode == http.StatusForbidden:
			status = EventStatusDenied
		case wrapped.statusCode >= 400:
			status = EventStatusFailure
		}

		event := newRequestEvent(r.Context(), r, EventTypeHTTPRequest, status)
		event.StatusCode = wrapped.statusCode
		event.Metadata["duration_ms"] = time.Since(startTime).Milliseconds()

		// audit failures never fail the request
		_ = m.logger.Log(ctx, event)
	})
}

// shouldLogRequest determines if a request should be logged
func (m *Middleware) shouldLogRequest(r *http.Request, statusCode int) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return true
	}
	if statusCode >= 400 {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/audit") || strings.HasPrefix(r.URL.Path, "/keys")
}
