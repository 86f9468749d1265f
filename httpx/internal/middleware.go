// Package internal provides internal implementation details for httpx.
package internal

import "net/http"

// SecurityHeaders selects the headers ApplySecurityHeaders sets.
type SecurityHeaders struct {
	ContentTypeOptions    bool
	FrameOptions          bool
	ReferrerPolicy        bool
	NoStore               bool
	ContentSecurityPolicy string
}

// ApplySecurityHeaders applies security headers to the response writer.
func ApplySecurityHeaders(w http.ResponseWriter, headers SecurityHeaders) {
	h := w.Header()
	if headers.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	if headers.FrameOptions {
		h.Set("X-Frame-Options", "DENY")
	}
	if headers.ReferrerPolicy {
		h.Set("Referrer-Policy", "no-referrer")
	}
	if headers.NoStore {
		h.Set("Cache-Control", "no-store")
	}
	if headers.ContentSecurityPolicy != "" {
		h.Set("Content-Security-Policy", headers.ContentSecurityPolicy)
	}
}
