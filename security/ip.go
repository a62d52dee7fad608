package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// X-Forwarded-For and X-Real-IP are only honored when trustProxy is set,
// since both are trivially spoofable otherwise. trustedProxyCount specifies
// how many proxies to trust from the right of X-Forwarded-For.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// extractIPFromXFF parses X-Forwarded-For ("client, proxy1, proxy2, ...")
// and returns the first address not belonging to a trusted proxy.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	clientIP := strings.TrimSpace(ips[idx])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}
