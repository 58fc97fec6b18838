// Package server provides the HTTP listeners that front the edge proxy:
// a base Server with sane timeouts and graceful shutdown, and an
// EdgeServer that layers challenge routing, TLS termination, and
// mode-aware redirects on top of it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server wraps http.Server with lifecycle management and defaults
// suitable for internet-facing listeners.
type Server struct {
	httpServer      *http.Server
	log             *slog.Logger
	shutdownTimeout time.Duration
}

// New creates a Server bound to addr. Options override timeouts, TLS
// configuration, and logging.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			MaxHeaderBytes:    DefaultMaxHeaderBytes,
		},
		log:             slog.New(slog.DiscardHandler),
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins serving handler and blocks until the listener fails or
// ctx is canceled. Cancellation triggers a graceful shutdown bounded by
// the configured shutdown timeout.
func (s *Server) Start(ctx context.Context, handler http.Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	s.httpServer.Handler = handler

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "server listening",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.httpServer.TLSConfig != nil))
		var err error
		if s.httpServer.TLSConfig != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%w: %w", ErrServerStartFailed, err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.Stop(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		return <-errCh
	}
}

// Stop gracefully shuts the server down, waiting up to the shutdown
// timeout for in-flight requests to drain.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	s.log.InfoContext(ctx, "server shutting down", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrServerShutdownFailed, err)
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run returns a function suitable for errgroup.Group.Go that starts the
// server with handler and stops it when ctx is canceled.
func (s *Server) Run(ctx context.Context, handler http.Handler) func() error {
	return func() error {
		return s.Start(ctx, handler)
	}
}
