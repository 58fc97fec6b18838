package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/edgegate/edgegate/core/logger"
	"github.com/edgegate/edgegate/pkg/clientip"
)

const (
	// DefaultConnectTimeout bounds the upstream dial.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultResponseTimeout bounds the wait for upstream response headers.
	DefaultResponseTimeout = 30 * time.Second
)

type resolvedAddrKey struct{}

// Proxy forwards requests to the upstream resolved at request time. An
// unresolvable or unreachable upstream yields a gateway error for that
// request only; the proxy itself keeps serving.
type Proxy struct {
	resolver        *Resolver
	log             *slog.Logger
	connectTimeout  time.Duration
	responseTimeout time.Duration
	transport       http.RoundTripper
	rp              *httputil.ReverseProxy
}

// Option configures the proxy.
type Option func(*Proxy)

// WithLogger sets the logger for forwarding failures.
func WithLogger(log *slog.Logger) Option {
	return func(p *Proxy) {
		p.log = log
	}
}

// WithConnectTimeout bounds the upstream connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

// WithResponseTimeout bounds the wait for upstream response headers.
func WithResponseTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.responseTimeout = d
		}
	}
}

// WithTransport replaces the upstream transport, primarily for tests.
// Timeout options are ignored when a custom transport is supplied.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) {
		p.transport = rt
	}
}

// New creates a reverse proxy over the given resolver.
func New(resolver *Resolver, opts ...Option) *Proxy {
	p := &Proxy{
		resolver:        resolver,
		log:             logger.NewDiscard(),
		connectTimeout:  DefaultConnectTimeout,
		responseTimeout: DefaultResponseTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(logger.Component("proxy"))

	if p.transport == nil {
		p.transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: p.connectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: p.responseTimeout,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	p.rp = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		Transport:    p.transport,
		ErrorHandler: p.handleForwardError,
	}

	return p
}

// ServeHTTP resolves the upstream and forwards the request. Resolution
// failure returns 502 immediately without touching the transport.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr, err := p.resolver.Resolve(r.Context())
	if err != nil {
		p.log.Warn("upstream resolution failed",
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.Error(err),
		)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	ctx := context.WithValue(r.Context(), resolvedAddrKey{}, addr)
	p.rp.ServeHTTP(w, r.WithContext(ctx))
}

// rewrite points the outbound request at the resolved address and carries
// the original client address and declared scheme through to the upstream.
func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	addr, _ := pr.In.Context().Value(resolvedAddrKey{}).(string)

	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = addr
	pr.Out.Host = pr.In.Host

	if ip := clientip.GetIP(pr.In); ip != "" {
		pr.Out.Header.Set("X-Forwarded-For", ip)
	}
	pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
	if pr.In.TLS != nil {
		pr.Out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		pr.Out.Header.Set("X-Forwarded-Proto", "http")
	}
}

// handleForwardError maps transport failures to gateway responses. Clients
// see only the status text, never internal diagnostic detail.
func (p *Proxy) handleForwardError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		status = http.StatusGatewayTimeout
	}

	p.log.Warn("upstream request failed",
		logger.Method(r.Method),
		logger.Path(r.URL.Path),
		logger.StatusCode(status),
		logger.Error(err),
	)
	http.Error(w, http.StatusText(status), status)
}
