// Package httpx provides the small HTTP toolkit behind the worker's admin
// listeners (health and metrics).
//
// # Features
//
//   - JSON responses and coded error responses (core/errors code to HTTP status)
//   - Security headers middleware with defaults suited to machine endpoints
//   - GET/HEAD method guard
//
// # Usage
//
//	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
//		_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
//	})
//	handler := httpx.SecureMiddleware(httpx.DefaultSecurityHeaders())(httpx.ReadOnly(mux))
package httpx
