package logger

import (
	"io"
	"log/slog"
	"os"
)

// Option configures the logger constructor.
type Option func(*options)

type options struct {
	writer      io.Writer
	level       slog.Level
	development bool
	attrs       []slog.Attr
}

// WithWriter sets the log output destination (default: os.Stdout).
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// WithLevel sets the minimum log level (default: slog.LevelInfo).
func WithLevel(level slog.Level) Option {
	return func(o *options) {
		o.level = level
	}
}

// WithDevelopment switches to a human-readable text handler at debug level
// and tags every record with the application name.
func WithDevelopment(app string) Option {
	return func(o *options) {
		o.development = true
		o.level = slog.LevelDebug
		if app != "" {
			o.attrs = append(o.attrs, slog.String("app", app))
		}
	}
}

// WithApp tags every record with the application name.
func WithApp(app string) Option {
	return func(o *options) {
		if app != "" {
			o.attrs = append(o.attrs, slog.String("app", app))
		}
	}
}

// New creates a structured logger. Production default is a JSON handler
// writing to stdout at info level.
func New(opts ...Option) *slog.Logger {
	o := &options{
		writer: os.Stdout,
		level:  slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(o)
	}

	handlerOpts := &slog.HandlerOptions{Level: o.level}

	var handler slog.Handler
	if o.development {
		handler = slog.NewTextHandler(o.writer, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(o.writer, handlerOpts)
	}

	if len(o.attrs) > 0 {
		handler = handler.WithAttrs(o.attrs)
	}

	return slog.New(handler)
}

// NewDiscard returns a logger that drops all records. Useful as a default
// in components that accept an optional logger.
func NewDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
