package server

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTLS enables TLS with the given configuration.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.httpServer.TLSConfig = cfg
	}
}

// WithReadTimeout sets the maximum duration for reading a request.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.httpServer.ReadTimeout = d
	}
}

// WithWriteTimeout sets the maximum duration for writing a response.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.httpServer.WriteTimeout = d
	}
}

// WithIdleTimeout sets how long keep-alive connections may sit idle.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.httpServer.IdleTimeout = d
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight
// requests to drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithMaxHeaderBytes limits the size of request headers.
func WithMaxHeaderBytes(n int) Option {
	return func(s *Server) {
		s.httpServer.MaxHeaderBytes = n
	}
}
