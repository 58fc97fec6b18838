// Package logger provides a slog-based structured logger with typed
// attribute helpers shared across the gateway components.
//
// The New constructor returns a JSON logger suitable for production; the
// WithDevelopment option switches to a readable text handler at debug level:
//
//	log := logger.New(logger.WithApp("edgegate"))
//	log.Info("tick complete", logger.Component("certagent"), logger.Domain("example.com"))
//
// Attribute helpers follow the empty-Attr pattern: passing a nil error or an
// empty string yields an attribute that slog silently drops, so call sites
// never need nil checks.
package logger
