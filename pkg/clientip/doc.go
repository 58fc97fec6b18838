// Package clientip extracts real client IP addresses from HTTP requests.
//
// It handles common proxy headers in priority order (CF-Connecting-IP,
// DO-Connecting-IP, X-Forwarded-For, X-Real-IP) before falling back to the
// connection's RemoteAddr. Extracted values are validated and normalized;
// the unspecified address (0.0.0.0, ::) is rejected.
package clientip
