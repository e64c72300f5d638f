// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, role)
//	httputil.WriteBadRequest(w, "invalid input")
//	httputil.WriteForbidden(w, "access denied")
//
// Errors are written as ErrorResponse, {"error": "...", "code": "forbidden"}.
// WriteInternalError never exposes the underlying error.
//
// # Request Parsing
//
// Bodies are decoded and checked against `validate` struct tags:
//
//	var req grantRequest
//	if !httputil.DecodeAndValidate(w, r, &req) {
//		return // error response already written
//	}
//
// Path and query parameters:
//
//	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
//	org, err := httputil.ParseQueryUUID(r, "organization_id")
//	templates, err := httputil.ParseQueryBool(r, "templates", false)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil
