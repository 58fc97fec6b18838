package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/edgegate/edgegate/core/certstore"
	"github.com/edgegate/edgegate/core/challenge"
	"github.com/edgegate/edgegate/core/health"
	"github.com/edgegate/edgegate/core/logger"
	"github.com/edgegate/edgegate/core/proxy"
)

// EdgeConfig holds the listener addresses for the edge gateway.
type EdgeConfig struct {
	HTTPAddr  string `env:"EDGE_HTTP_ADDR" envDefault:":8080"`
	HTTPSAddr string `env:"EDGE_HTTPS_ADDR" envDefault:":8443"`
}

// Validate checks that both listener addresses are set.
func (c EdgeConfig) Validate() error {
	if c.HTTPAddr == "" || c.HTTPSAddr == "" {
		return ErrListenAddrRequired
	}
	return nil
}

// EdgeServer runs the gateway's listeners. The plain-HTTP listener is
// always up and serves ACME challenges, health endpoints, and (until
// promotion) proxied traffic. The TLS listener starts once a certificate
// is installed; from then on non-challenge plain-HTTP requests are
// redirected to HTTPS.
//
// Certificates are held behind an atomic pointer read per handshake, so
// Install and Reload never interrupt in-flight connections.
type EdgeServer struct {
	cfg    EdgeConfig
	domain string
	store  *certstore.Store
	tokens *challenge.Store
	mode   *proxy.ModeState
	log    *slog.Logger

	cert        atomic.Pointer[tls.Certificate]
	promoteOnce sync.Once
	promoted    chan struct{}

	readyChecks []health.CheckFunc
	srvOpts     []Option
}

// EdgeOption configures an EdgeServer.
type EdgeOption func(*EdgeServer)

// WithEdgeLogger sets the logger for listener lifecycle and reload events.
func WithEdgeLogger(log *slog.Logger) EdgeOption {
	return func(s *EdgeServer) {
		if log != nil {
			s.log = log
		}
	}
}

// WithReadinessChecks registers dependency checks served on /readyz.
func WithReadinessChecks(fn ...health.CheckFunc) EdgeOption {
	return func(s *EdgeServer) {
		s.readyChecks = append(s.readyChecks, fn...)
	}
}

// WithServerOptions forwards options (timeouts, limits) to both
// underlying listeners.
func WithServerOptions(opts ...Option) EdgeOption {
	return func(s *EdgeServer) {
		s.srvOpts = append(s.srvOpts, opts...)
	}
}

// NewEdge creates the edge server for domain. The store provides parsed
// certificates, tokens serves ACME challenge proofs, and mode tracks the
// promotion state shared with the rest of the system.
func NewEdge(cfg EdgeConfig, domain string, store *certstore.Store, tokens *challenge.Store, mode *proxy.ModeState, opts ...EdgeOption) (*EdgeServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if domain == "" {
		return nil, ErrDomainRequired
	}
	if store == nil || tokens == nil || mode == nil {
		return nil, ErrEdgeDepsRequired
	}

	s := &EdgeServer{
		cfg:      cfg,
		domain:   strings.ToLower(domain),
		store:    store,
		tokens:   tokens,
		mode:     mode,
		log:      logger.NewDiscard(),
		promoted: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Install parses the record's certificate, makes it the active handshake
// certificate, and promotes the proxy to http-and-tls mode. The first
// call starts the TLS listener; later calls only swap the certificate.
// It satisfies the certificate agent's issuance callback.
func (s *EdgeServer) Install(rec *certstore.Record) error {
	cert, err := s.store.TLSCertificate(rec.Domain)
	if err != nil {
		return err
	}
	s.cert.Store(&cert)

	if s.mode.Promote() {
		s.promoteOnce.Do(func() { close(s.promoted) })
		s.log.Info("proxy promoted",
			logger.Domain(rec.Domain),
			slog.String("mode", s.mode.Mode().String()),
			slog.Time("not_after", rec.NotAfter))
		return nil
	}

	s.log.Info("certificate reloaded",
		logger.Domain(rec.Domain),
		slog.Time("not_after", rec.NotAfter))
	return nil
}

// Reload re-reads the active certificate from storage. Operators send
// SIGHUP after replacing the record out of band. If the record has become
// unreadable the edge falls back to http-only mode rather than keep
// serving a certificate that no longer matches storage.
func (s *EdgeServer) Reload() error {
	cert, err := s.store.TLSCertificate(s.domain)
	if err != nil {
		s.cert.Store(nil)
		if s.mode.Demote() {
			s.log.Error("certificate unreadable on reload, falling back to http-only",
				logger.Domain(s.domain), logger.Error(err))
		}
		return err
	}

	s.cert.Store(&cert)
	s.log.Info("certificate reloaded", logger.Domain(s.domain))
	return nil
}

// Run starts the plain-HTTP listener immediately and the TLS listener
// after the first Install. It blocks until ctx is canceled or a listener
// fails; shutdown is graceful on both.
func (s *EdgeServer) Run(ctx context.Context, app http.Handler) error {
	g, ctx := errgroup.WithContext(ctx)

	httpSrv := New(s.cfg.HTTPAddr, append([]Option{WithLogger(s.log)}, s.srvOpts...)...)
	g.Go(httpSrv.Run(ctx, s.httpHandler(app)))

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-s.promoted:
		}
		opts := append([]Option{WithLogger(s.log), WithTLS(s.tlsConfig())}, s.srvOpts...)
		httpsSrv := New(s.cfg.HTTPSAddr, opts...)
		return httpsSrv.Start(ctx, s.httpsHandler(app))
	})

	return g.Wait()
}

func (s *EdgeServer) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.getCertificate,
	}
}

func (s *EdgeServer) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if name := strings.ToLower(hello.ServerName); name != "" && name != s.domain {
		return nil, ErrUnknownServerName
	}
	cert := s.cert.Load()
	if cert == nil {
		return nil, ErrNoCertificate
	}
	return cert, nil
}

// httpHandler routes the plain listener: challenge proofs first, then
// local health endpoints, then either a redirect to HTTPS (promoted) or
// direct proxying (http-only).
func (s *EdgeServer) httpHandler(app http.Handler) http.Handler {
	challenges := s.tokens.Handler()
	livez := health.Handler(s.log)
	readyz := health.Handler(s.log, s.readyChecks...)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case challenge.IsChallengeRequest(r):
			challenges.ServeHTTP(w, r)
		case r.URL.Path == "/livez":
			livez.ServeHTTP(w, r)
		case r.URL.Path == "/readyz":
			readyz.ServeHTTP(w, r)
		case s.mode.Mode() == proxy.ModeHTTPAndTLS:
			s.redirectTLS(w, r)
		default:
			app.ServeHTTP(w, r)
		}
	})
}

// httpsHandler keeps the challenge path reachable in both modes.
func (s *EdgeServer) httpsHandler(app http.Handler) http.Handler {
	challenges := s.tokens.Handler()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if challenge.IsChallengeRequest(r) {
			challenges.ServeHTTP(w, r)
			return
		}
		app.ServeHTTP(w, r)
	})
}

func (s *EdgeServer) redirectTLS(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if _, port, err := net.SplitHostPort(s.cfg.HTTPSAddr); err == nil && port != "443" {
		host = net.JoinHostPort(host, port)
	}
	http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusPermanentRedirect)
}
