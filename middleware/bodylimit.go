package middleware

import (
	"net/http"
)

// DefaultMaxBodySize is the request body limit applied when no size is
// configured.
const DefaultMaxBodySize int64 = 4 * 1024 * 1024 // 4MB

// BodyLimitConfig configures the request body limit middleware.
type BodyLimitConfig struct {
	// Skip defines a function to skip middleware execution for specific requests
	Skip func(r *http.Request) bool

	// MaxSize is the maximum allowed size in bytes (default: 4MB)
	MaxSize int64
}

// BodyLimit creates a body limit middleware with the default 4MB limit.
func BodyLimit() Middleware {
	return BodyLimitWithConfig(BodyLimitConfig{})
}

// BodyLimitWithSize creates a body limit middleware with a specified
// size limit.
func BodyLimitWithSize(maxSize int64) Middleware {
	return BodyLimitWithConfig(BodyLimitConfig{MaxSize: maxSize})
}

// BodyLimitWithConfig creates a body limit middleware with custom
// configuration. Requests whose declared Content-Length exceeds the
// limit are rejected up front with 413; bodies without a declared
// length are capped during reading via http.MaxBytesReader.
func BodyLimitWithConfig(cfg BodyLimitConfig) Middleware {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxBodySize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			if r.ContentLength > cfg.MaxSize {
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxSize)
			}
			next.ServeHTTP(w, r)
		})
	}
}
