// Package httpx provides HTTP helpers for the worker's admin endpoints.
//
// Overview:
//   - Responsibility: JSON responses, coded error mapping, security headers, method guards
//   - Key Types: ErrorResponse, SecurityHeaders
//   - Concurrency Model: All functions are safe for concurrent use
//   - Error Semantics: Write helpers return the encoder error, if any
//
// Usage:
//
//	handler := httpx.SecureMiddleware(httpx.DefaultSecurityHeaders())(httpx.ReadOnly(mux))
//	_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pnavarro/nova/core/errors"
	"github.com/pnavarro/nova/httpx/internal"
)

// ErrorResponse represents a standard JSON error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if data == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(data)
}

// StatusFromCode maps an error code to an HTTP status.
func StatusFromCode(code errors.Code) int {
	switch code {
	case errors.CodeInvalidArgument, errors.CodeStartupConfiguration:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeAlreadyExists, errors.CodeAborted:
		return http.StatusConflict
	case errors.CodeUnavailable, errors.CodeServiceConstruction, errors.CodeRuntimeFailure:
		return http.StatusServiceUnavailable
	case errors.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case errors.CodeUnimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a standard error response. The status comes
// from the error's code.
func WriteError(w http.ResponseWriter, err error) error {
	code := errors.CodeOf(err)
	status := StatusFromCode(code)
	return WriteJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    string(code),
		Message: err.Error(),
	})
}

// MethodNotAllowedHandler returns a standard 405 JSON response.
func MethodNotAllowedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", "GET, HEAD")
		_ = WriteJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
			Error:   "Method Not Allowed",
			Message: fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path),
		})
	}
}

// ReadOnly rejects every method except GET and HEAD.
func ReadOnly(next http.Handler) http.Handler {
	notAllowed := MethodNotAllowedHandler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			notAllowed(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders selects the security headers added to responses.
type SecurityHeaders struct {
	ContentTypeOptions    bool   // X-Content-Type-Options: nosniff
	FrameOptions          bool   // X-Frame-Options: DENY
	ReferrerPolicy        bool   // Referrer-Policy: no-referrer
	NoStore               bool   // Cache-Control: no-store
	ContentSecurityPolicy string // Optional CSP header
}

// DefaultSecurityHeaders returns the headers used on admin endpoints.
func DefaultSecurityHeaders() SecurityHeaders {
	return SecurityHeaders{
		ContentTypeOptions:    true,
		FrameOptions:          true,
		ReferrerPolicy:        true,
		NoStore:               true,
		ContentSecurityPolicy: "default-src 'none'",
	}
}

// SecureMiddleware adds security headers to responses.
func SecureMiddleware(headers SecurityHeaders) func(http.Handler) http.Handler {
	internalHeaders := internal.SecurityHeaders{
		ContentTypeOptions:    headers.ContentTypeOptions,
		FrameOptions:          headers.FrameOptions,
		ReferrerPolicy:        headers.ReferrerPolicy,
		NoStore:               headers.NoStore,
		ContentSecurityPolicy: headers.ContentSecurityPolicy,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			internal.ApplySecurityHeaders(w, internalHeaders)
			next.ServeHTTP(w, r)
		})
	}
}
