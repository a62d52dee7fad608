package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers on OAuth responses.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// OAuth responses carry secrets; RFC 6749 §5.1 requires these.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}

// SetCORSHeaders sets the permissive CORS policy the RPC surface needs for
// browser-hosted assistant clients.
func SetCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, Accept, Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "86400")
}
