package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUpstreamRequired is returned when no upstream name is configured.
	ErrUpstreamRequired = errors.New("upstream name is required")

	// ErrUnresolvable is returned when the upstream name does not currently
	// resolve to any address. Transient: retried on the next request.
	ErrUnresolvable = errors.New("upstream name is unresolvable")
)

// Resolver resolves the logical upstream name to a dialable address at
// request time rather than at proxy start, so the gateway tolerates the
// upstream appearing after the proxy itself. Successful lookups are cached
// briefly to keep per-request overhead low.
type Resolver struct {
	host     string
	port     string
	ttl      time.Duration
	resolver *net.Resolver

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTTL sets the positive-result cache lifetime (default 1s; zero disables
// caching entirely).
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// WithNetResolver replaces the DNS resolver, primarily for tests.
func WithNetResolver(resolver *net.Resolver) ResolverOption {
	return func(r *Resolver) {
		r.resolver = resolver
	}
}

// NewResolver creates a resolver for an upstream given as "name" or
// "name:port". A bare name defaults to port 80.
func NewResolver(upstream string, opts ...ResolverOption) (*Resolver, error) {
	upstream = strings.TrimSpace(upstream)
	if upstream == "" {
		return nil, ErrUpstreamRequired
	}

	host, port := upstream, "80"
	if h, p, err := net.SplitHostPort(upstream); err == nil {
		host, port = h, p
	}
	if host == "" {
		return nil, ErrUpstreamRequired
	}

	r := &Resolver{
		host:     host,
		port:     port,
		ttl:      time.Second,
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns a host:port address for the upstream, looked up now.
// Failure is a per-request condition, never a reason to stop the proxy.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.cached != "" && time.Now().Before(r.expires) {
		addr := r.cached
		r.mu.Unlock()
		return addr, nil
	}
	r.mu.Unlock()

	// A literal IP upstream needs no lookup.
	if ip := net.ParseIP(r.host); ip != nil {
		return net.JoinHostPort(r.host, r.port), nil
	}

	addrs, err := r.resolver.LookupHost(ctx, r.host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s: %v", ErrUnresolvable, r.host, err)
	}

	addr := net.JoinHostPort(addrs[0], r.port)

	if r.ttl > 0 {
		r.mu.Lock()
		r.cached = addr
		r.expires = time.Now().Add(r.ttl)
		r.mu.Unlock()
	}

	return addr, nil
}
