package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Proxy headers in priority order. CDN-specific headers are checked first
// since they are set by the edge closest to the client.
var proxyHeaders = []string{
	"CF-Connecting-IP",
	"DO-Connecting-IP",
	"X-Forwarded-For",
	"X-Real-IP",
}

// GetIP extracts the real client IP address from the request, consulting
// known proxy headers before falling back to RemoteAddr. Returns an empty
// string when no valid address can be determined.
func GetIP(r *http.Request) string {
	for _, header := range proxyHeaders {
		value := r.Header.Get(header)
		if value == "" {
			continue
		}
		// X-Forwarded-For may contain a chain; the first entry is the client.
		if idx := strings.IndexByte(value, ','); idx != -1 {
			value = value[:idx]
		}
		if ip := normalize(value); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port, e.g. in tests.
		return normalize(r.RemoteAddr)
	}
	return normalize(host)
}

func normalize(value string) string {
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}
