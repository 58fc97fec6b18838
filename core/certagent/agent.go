package certagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/sethvargo/go-retry"

	"github.com/edgegate/edgegate/core/certstore"
	"github.com/edgegate/edgegate/core/challenge"
	"github.com/edgegate/edgegate/core/logger"
)

const (
	// DefaultRenewalThreshold is the remaining validity at which a tick
	// re-issues instead of no-oping. With ~90 day certificates and a 12h
	// tick this leaves dozens of retry opportunities before expiry.
	DefaultRenewalThreshold = 30 * 24 * time.Hour

	// DefaultTickPeriod is the steady-state renewal check cadence.
	DefaultTickPeriod = 12 * time.Hour

	// DefaultIssueTimeout bounds a single ACME exchange including the
	// issuer's validation poll.
	DefaultIssueTimeout = 5 * time.Minute

	// DefaultProxyWaitTimeout bounds the pre-issuance wait for the plain
	// HTTP listener to accept connections.
	DefaultProxyWaitTimeout = 60 * time.Second

	proxyPollInterval = 500 * time.Millisecond
)

var (
	// ErrBootstrapFailed marks a fatal first issuance. The process must exit
	// non-zero and wait for an operator; retrying in a tight loop against a
	// rate-limited issuer makes things worse.
	ErrBootstrapFailed = errors.New("certificate bootstrap failed")

	// ErrDomainRequired is returned when no domain is configured.
	ErrDomainRequired = errors.New("domain is required")

	// ErrEmailRequired is returned when no contact email is configured.
	ErrEmailRequired = errors.New("valid contact email is required")
)

// Config holds the externally supplied agent inputs.
type Config struct {
	// Domain is the single domain the agent keeps a certificate for.
	Domain string `env:"ACME_DOMAIN,required"`

	// Email is the issuer account contact.
	Email string `env:"ACME_EMAIL,required"`

	// Staging selects the issuer's staging directory so development churn
	// does not count against production rate limits. Staging certificates
	// are not trusted.
	Staging bool `env:"ACME_STAGING" envDefault:"false"`

	// ProxyHTTPAddr is the gateway's plain-HTTP listen address, polled for
	// reachability before the first issuance attempt.
	ProxyHTTPAddr string `env:"ACME_PROXY_HTTP_ADDR" envDefault:"127.0.0.1:8080"`
}

// Validate fails fast on malformed inputs, before any network call.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Domain) == "" {
		return ErrDomainRequired
	}
	if at := strings.IndexByte(c.Email, '@'); at < 1 || at == len(c.Email)-1 {
		return ErrEmailRequired
	}
	return nil
}

// NotifyFunc is invoked with the active record after a successful issuance
// or renewal, and on bootstrap when a valid record is already present. The
// gateway uses it to promote to TLS and to reload certificates in place.
type NotifyFunc func(rec *certstore.Record) error

// Agent obtains and keeps current exactly one certificate record for the
// configured domain. Exactly one agent instance may act on a domain at a
// time; duplicate-issuance safety comes from that exclusivity, not from a
// distributed lock.
type Agent struct {
	cfg     Config
	store   *certstore.Store
	tokens  *challenge.Store
	log     *slog.Logger
	factory ClientFactory

	renewalThreshold time.Duration
	tickPeriod       time.Duration
	issueTimeout     time.Duration
	proxyWaitTimeout time.Duration

	onIssued NotifyFunc
	now      func() time.Time
	dial     func(ctx context.Context, addr string) error
}

// AgentOption configures the agent.
type AgentOption func(*Agent)

// WithAgentLogger sets the agent logger.
func WithAgentLogger(log *slog.Logger) AgentOption {
	return func(a *Agent) {
		a.log = log
	}
}

// WithOnIssued registers the callback run after each successful issuance.
func WithOnIssued(fn NotifyFunc) AgentOption {
	return func(a *Agent) {
		a.onIssued = fn
	}
}

// WithRenewalThreshold overrides the remaining-validity renewal trigger.
func WithRenewalThreshold(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.renewalThreshold = d
		}
	}
}

// WithTickPeriod overrides the steady-state check cadence.
func WithTickPeriod(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.tickPeriod = d
		}
	}
}

// WithIssueTimeout overrides the per-exchange deadline.
func WithIssueTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.issueTimeout = d
		}
	}
}

// WithProxyWaitTimeout overrides the pre-issuance reachability wait.
func WithProxyWaitTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.proxyWaitTimeout = d
		}
	}
}

// WithClientFactory replaces the ACME client constructor. Primarily
// useful for testing with a mock issuer.
func WithClientFactory(factory ClientFactory) AgentOption {
	return func(a *Agent) {
		a.factory = factory
	}
}

// WithDialer replaces the proxy reachability probe. Primarily useful for
// testing without opening sockets.
func WithDialer(dial func(ctx context.Context, addr string) error) AgentOption {
	return func(a *Agent) {
		a.dial = dial
	}
}

// New creates a certificate agent. Configuration is validated before any
// network activity.
func New(cfg Config, store *certstore.Store, tokens *challenge.Store, opts ...AgentOption) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("certificate store is required")
	}
	if tokens == nil {
		return nil, errors.New("challenge token store is required")
	}

	a := &Agent{
		cfg:              cfg,
		store:            store,
		tokens:           tokens,
		log:              logger.NewDiscard(),
		factory:          newLegoClient,
		renewalThreshold: DefaultRenewalThreshold,
		tickPeriod:       DefaultTickPeriod,
		issueTimeout:     DefaultIssueTimeout,
		proxyWaitTimeout: DefaultProxyWaitTimeout,
		onIssued:         func(*certstore.Record) error { return nil },
		now:              time.Now,
	}
	a.dial = a.dialTCP

	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logger.Component("certagent"), logger.Domain(cfg.Domain))

	return a, nil
}

// directoryURL returns the issuer endpoint for the configured mode.
func (a *Agent) directoryURL() string {
	if a.cfg.Staging {
		return lego.LEDirectoryStaging
	}
	return lego.LEDirectoryProduction
}

// Bootstrap runs once at startup. A record already on durable storage
// short-circuits straight to steady-state without contacting the issuer: a
// restarted gateway must never re-provision. Otherwise it waits for the
// plain-HTTP listener to accept connections and performs the full HTTP-01
// exchange. Any failure here is fatal.
func (a *Agent) Bootstrap(ctx context.Context) error {
	rec, err := a.store.Load(a.cfg.Domain)
	switch {
	case err == nil:
		a.log.Info("existing certificate record found, skipping issuance",
			logger.Key("expires_at", rec.NotAfter),
		)
		if err := a.onIssued(rec); err != nil {
			return fmt.Errorf("%w: activate existing record: %v", ErrBootstrapFailed, err)
		}
		return nil
	case errors.Is(err, certstore.ErrNotFound):
		// First boot, proceed to issuance.
	default:
		return fmt.Errorf("%w: %v", ErrBootstrapFailed, err)
	}

	if a.cfg.Staging {
		a.log.Warn("staging issuer selected; issued certificates are not trusted")
	}

	if err := a.waitForProxy(ctx); err != nil {
		return fmt.Errorf("%w: challenge responder unreachable: %v", ErrBootstrapFailed, err)
	}

	if err := a.issue(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrapFailed, err)
	}

	return nil
}

// Run is the steady-state renewal loop. Each tick is idempotent: a no-op
// while more than the threshold of validity remains, a full re-issuance
// otherwise. Tick failures are logged and retried on the next tick; only
// context cancellation ends the loop, and it does so promptly mid-sleep.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.tickPeriod)
	defer ticker.Stop()

	// First check runs immediately so a restart close to expiry does not
	// wait half a day.
	a.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("renewal loop stopped")
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	start := a.now()

	rec, err := a.store.Load(a.cfg.Domain)
	if err != nil {
		if errors.Is(err, certstore.ErrNotFound) {
			// An operator deleted the record to force re-issuance.
			a.log.Info("certificate record absent, re-issuing")
			a.renew(ctx, start)
			return
		}
		a.log.Error("failed to read certificate record",
			logger.Error(err),
			logger.NextRetry(start.Add(a.tickPeriod)),
		)
		return
	}

	remaining := rec.TimeToExpiry(start)
	if !rec.NeedsRenewal(start, a.renewalThreshold) {
		a.log.Debug("certificate still valid, no renewal needed",
			logger.Key("remaining", remaining),
		)
		return
	}

	a.log.Info("certificate approaching expiry, renewing",
		logger.Key("remaining", remaining),
	)
	a.renew(ctx, start)
}

func (a *Agent) renew(ctx context.Context, start time.Time) {
	if err := a.issue(ctx); err != nil {
		a.log.Error("renewal attempt failed",
			logger.Error(err),
			logger.Result("failure"),
			logger.NextRetry(start.Add(a.tickPeriod)),
		)
		return
	}
	a.log.Info("certificate renewed",
		logger.Result("success"),
		logger.Elapsed(start),
	)
}

// issue performs one complete ACME HTTP-01 exchange and atomically replaces
// the stored record. Cancellation is honored between protocol steps; an
// interrupted exchange never leaves partial state because the store stages
// writes before renaming them into place.
func (a *Agent) issue(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.issueTimeout)
	defer cancel()

	client, err := a.factory(a.cfg.Email, a.directoryURL())
	if err != nil {
		return err
	}

	if err := client.SetHTTP01Provider(a.tokens); err != nil {
		return fmt.Errorf("configure http-01 provider: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true}); err != nil {
		return fmt.Errorf("register account: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := a.obtain(ctx, client)
	if err != nil {
		return fmt.Errorf("obtain certificate: %w", err)
	}

	rec, err := certstore.NewRecord(a.cfg.Domain, res.Certificate, res.PrivateKey)
	if err != nil {
		return err
	}
	if err := a.store.Write(rec); err != nil {
		return err
	}

	a.log.Info("certificate record stored",
		logger.Key("expires_at", rec.NotAfter),
	)

	if err := a.onIssued(rec); err != nil {
		return fmt.Errorf("activate certificate: %w", err)
	}
	return nil
}

// obtain runs the blocking ACME order under the exchange deadline.
func (a *Agent) obtain(ctx context.Context, client ACMEClient) (*certificate.Resource, error) {
	type result struct {
		res *certificate.Resource
		err error
	}
	ch := make(chan result, 1)

	go func() {
		res, err := client.Obtain(certificate.ObtainRequest{
			Domains: []string{a.cfg.Domain},
			Bundle:  true,
		})
		ch <- result{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.res, r.err
	}
}

// waitForProxy polls the plain-HTTP listener until it accepts connections.
// The issuer's own probe reachability from the internet cannot be observed
// from here, so listener readiness is the strongest available signal.
func (a *Agent) waitForProxy(ctx context.Context) error {
	backoff := retry.WithMaxDuration(a.proxyWaitTimeout, retry.NewConstant(proxyPollInterval))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := a.dial(ctx, a.cfg.ProxyHTTPAddr); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (a *Agent) dialTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
