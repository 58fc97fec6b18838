package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/edgegate/edgegate/core/logger"
	"github.com/edgegate/edgegate/pkg/clientip"
)

// LoggingConfig configures the request logging middleware.
type LoggingConfig struct {
	// Skip defines a function to skip middleware execution for specific requests
	Skip func(r *http.Request) bool

	// Logger is the slog logger to use (default: slog.Default())
	Logger *slog.Logger

	// LogLevel for request logging (default: slog.LevelInfo)
	LogLevel slog.Level

	// SlowRequestThreshold logs slow requests at warning level (default: 5s)
	SlowRequestThreshold time.Duration

	// Component name for structured logging
	Component string
}

// Logging creates a request logging middleware with default configuration.
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig creates a request logging middleware with custom
// configuration. Each request is logged once on completion with method,
// path, status, client IP, duration, and the request ID when present.
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SlowRequestThreshold <= 0 {
		cfg.SlowRequestThreshold = 5 * time.Second
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			attrs := []slog.Attr{
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.StatusCode(rec.status),
				logger.ClientIP(clientip.GetIP(r)),
				logger.Duration(elapsed),
			}
			if id := GetRequestID(r.Context()); id != "" {
				attrs = append(attrs, logger.RequestID(id))
			}
			if cfg.Component != "" {
				attrs = append(attrs, logger.Component(cfg.Component))
			}

			level := cfg.LogLevel
			switch {
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case elapsed > cfg.SlowRequestThreshold:
				level = slog.LevelWarn
			}
			cfg.Logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

// statusRecorder captures the response status code for logging.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.written {
		r.status = status
		r.written = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}
