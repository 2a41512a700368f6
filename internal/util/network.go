package util

import (
	"net"
	"net/http"
	"strings"
)

// GetRemoteIP extracts the remote IP address from the request, honoring
// proxy headers so geo lookup sees the registrant's address rather than
// the load balancer's
func GetRemoteIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// Take the first IP if multiple are present
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return strings.TrimSpace(real)
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr // Return as is if no port
	}
	return ip
}
