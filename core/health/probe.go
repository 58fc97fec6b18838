package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/edgegate/edgegate/core/logger"
)

// Status is a component's observed health.
type Status string

const (
	// StatusStarting means the component has not yet reported healthy.
	StatusStarting Status = "starting"

	// StatusHealthy means the last probe succeeded.
	StatusHealthy Status = "healthy"

	// StatusUnhealthy means the last probe failed after having been healthy.
	StatusUnhealthy Status = "unhealthy"
)

const (
	// DefaultProbeTimeout bounds a single probe request.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultPollInterval is the wait between readiness polls.
	DefaultPollInterval = time.Second
)

var (
	// ErrProbeURLRequired is returned when no probe URL is configured.
	ErrProbeURLRequired = errors.New("health probe URL is required")

	// ErrUnhealthy is returned when a probe target reports failure.
	ErrUnhealthy = errors.New("health probe failed")
)

// CheckFunc verifies one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Probe polls an HTTP health endpoint. Probing is a polled predicate used
// for startup gating, never a per-request gate: the proxy forwards traffic
// regardless of upstream health and handles failure per request.
type Probe struct {
	url    string
	client *http.Client
	log    *slog.Logger

	interval time.Duration
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithHTTPClient replaces the probe's HTTP client.
func WithHTTPClient(client *http.Client) ProbeOption {
	return func(p *Probe) {
		p.client = client
	}
}

// WithProbeLogger sets the probe logger.
func WithProbeLogger(log *slog.Logger) ProbeOption {
	return func(p *Probe) {
		p.log = log
	}
}

// WithPollInterval overrides the wait between readiness polls.
func WithPollInterval(d time.Duration) ProbeOption {
	return func(p *Probe) {
		if d > 0 {
			p.interval = d
		}
	}
}

// NewProbe creates a probe for the given health endpoint URL.
func NewProbe(url string, opts ...ProbeOption) (*Probe, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrProbeURLRequired
	}

	p := &Probe{
		url:      url,
		client:   &http.Client{Timeout: DefaultProbeTimeout},
		log:      logger.NewDiscard(),
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(logger.Component("health"))

	return p, nil
}

// Check performs one probe. Any 2xx response is healthy.
func (p *Probe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls until the endpoint reports healthy or the context ends.
// This is the hard precondition used for dependency-ordered startup.
func (p *Probe) WaitHealthy(ctx context.Context) error {
	attempts := 0
	backoff := retry.NewConstant(p.interval)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := p.Check(ctx); err != nil {
			p.log.Debug("dependency not ready",
				logger.Key("url", p.url),
				logger.RetryCount(attempts),
				logger.Error(err),
			)
			return retry.RetryableError(err)
		}
		return nil
	})
}
