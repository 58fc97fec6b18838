// Package orchestrator brings up the gateway's components in dependency
// order. Components declare what they wait on; the orchestrator gates
// each start on its dependencies reporting ready, supervises
// long-running components with restart backoff, and propagates
// cancellation through the whole tree.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/edgegate/edgegate/core/health"
	"github.com/edgegate/edgegate/core/logger"
	"github.com/edgegate/edgegate/pkg/async"
)

// Kind distinguishes components that run to completion from components
// that run for the life of the process.
type Kind int

const (
	// KindOneShot runs once; success marks the component ready.
	KindOneShot Kind = iota

	// KindLongRunning runs until cancellation and is restarted on failure.
	KindLongRunning
)

var (
	// ErrNameRequired is returned when a component has no name.
	ErrNameRequired = errors.New("orchestrator: component name required")

	// ErrRunRequired is returned when a component has no run function.
	ErrRunRequired = errors.New("orchestrator: component run function required")

	// ErrDuplicateName is returned when two components share a name.
	ErrDuplicateName = errors.New("orchestrator: duplicate component name")

	// ErrUnknownDependency is returned when a component depends on a
	// name that was never registered.
	ErrUnknownDependency = errors.New("orchestrator: unknown dependency")

	// ErrDependencyCycle is returned when the dependency graph is not
	// acyclic.
	ErrDependencyCycle = errors.New("orchestrator: dependency cycle")

	// ErrComponentFailed wraps the terminal failure of a critical
	// component.
	ErrComponentFailed = errors.New("orchestrator: component failed")

	// ErrNeverReady is returned when a component's readiness probe does
	// not pass before the ready timeout.
	ErrNeverReady = errors.New("orchestrator: component never became ready")
)

// Component is a unit of work under orchestration.
type Component struct {
	// Name identifies the component in logs and in DependsOn lists.
	Name string

	// Kind selects one-shot or long-running supervision.
	Kind Kind

	// Run does the work. Long-running components must return promptly
	// when ctx is canceled; a nil return after cancellation is normal.
	Run func(ctx context.Context) error

	// Ready optionally gates dependents: it is polled until it passes
	// before the component is announced ready. Without it a one-shot is
	// ready when Run returns and a long-running component immediately
	// after starting.
	Ready health.CheckFunc

	// DependsOn lists components that must be ready before this one starts.
	DependsOn []string

	// Critical marks failures as fatal for the whole orchestration.
	// Non-critical failures are logged; dependents of the failed
	// component never start, everything else keeps running.
	Critical bool
}

// Orchestrator owns a set of components and runs them as one tree.
type Orchestrator struct {
	log            *slog.Logger
	components     []Component
	names          map[string]struct{}
	readyTimeout   time.Duration
	readyInterval  time.Duration
	restartBackoff time.Duration
	maxRestarts    int

	mu       sync.Mutex
	failures []error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithReadyTimeout bounds how long a readiness probe may keep failing
// before the component is considered broken.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.readyTimeout = d
		}
	}
}

// WithReadyInterval sets the pause between readiness probe attempts.
func WithReadyInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.readyInterval = d
		}
	}
}

// WithRestartPolicy sets how often and how many times a long-running
// component is restarted after failing. maxRestarts < 0 means unlimited.
func WithRestartPolicy(backoff time.Duration, maxRestarts int) Option {
	return func(o *Orchestrator) {
		if backoff > 0 {
			o.restartBackoff = backoff
		}
		o.maxRestarts = maxRestarts
	}
}

// New creates an empty Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:            logger.NewDiscard(),
		names:          make(map[string]struct{}),
		readyTimeout:   60 * time.Second,
		readyInterval:  500 * time.Millisecond,
		restartBackoff: time.Second,
		maxRestarts:    5,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add registers a component. Names must be unique.
func (o *Orchestrator) Add(c Component) error {
	if c.Name == "" {
		return ErrNameRequired
	}
	if c.Run == nil {
		return fmt.Errorf("%w: %s", ErrRunRequired, c.Name)
	}
	if _, exists := o.names[c.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, c.Name)
	}
	o.names[c.Name] = struct{}{}
	o.components = append(o.components, c)
	return nil
}

// Run validates the dependency graph and brings every component up,
// blocking until ctx is canceled or a critical component fails. Failures
// of non-critical components do not stop the tree but are reported once
// everything has shut down, so the process still exits non-zero.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.validateGraph(); err != nil {
		return err
	}

	ready := make(map[string]chan struct{}, len(o.components))
	for _, c := range o.components {
		ready[c.Name] = make(chan struct{})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range o.components {
		c := c
		g.Go(func() error {
			if err := o.awaitDeps(ctx, c, ready); err != nil {
				// Cancellation while waiting is not a component failure.
				return nil
			}
			return o.runComponent(ctx, c, ready[c.Name])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return errors.Join(o.failures...)
}

// awaitDeps blocks until every dependency of c has announced ready.
func (o *Orchestrator) awaitDeps(ctx context.Context, c Component, ready map[string]chan struct{}) error {
	for _, dep := range c.DependsOn {
		o.log.Debug("waiting for dependency",
			logger.Component(c.Name), slog.String("dependency", dep))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ready[dep]:
		}
	}
	return nil
}

func (o *Orchestrator) runComponent(ctx context.Context, c Component, readyCh chan struct{}) error {
	switch c.Kind {
	case KindOneShot:
		return o.runOneShot(ctx, c, readyCh)
	default:
		return o.runLongRunning(ctx, c, readyCh)
	}
}

func (o *Orchestrator) runOneShot(ctx context.Context, c Component, readyCh chan struct{}) error {
	o.log.Info("component starting", logger.Component(c.Name), slog.String("kind", "one-shot"))
	start := time.Now()

	if err := async.Exec(ctx, c.Run).Await(); err != nil {
		return o.fail(ctx, c, err)
	}
	if err := o.awaitReady(ctx, c); err != nil {
		return o.fail(ctx, c, err)
	}

	o.log.Info("component completed", logger.Component(c.Name), logger.Elapsed(start))
	close(readyCh)
	return nil
}

func (o *Orchestrator) runLongRunning(ctx context.Context, c Component, readyCh chan struct{}) error {
	o.log.Info("component starting", logger.Component(c.Name), slog.String("kind", "long-running"))

	done := make(chan error, 1)
	go func() {
		done <- o.supervise(ctx, c)
	}()

	if err := o.awaitReady(ctx, c); err != nil {
		return o.fail(ctx, c, err)
	}
	close(readyCh)

	err := <-done
	if err != nil {
		return o.fail(ctx, c, err)
	}
	return nil
}

// supervise runs c.Run, restarting after failures per the restart
// policy, until ctx is canceled or the restart budget is exhausted.
func (o *Orchestrator) supervise(ctx context.Context, c Component) error {
	restarts := 0
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// A long-running component returning early without error is
			// treated as finished, not failed.
			o.log.Warn("component exited early", logger.Component(c.Name))
			return nil
		}

		restarts++
		if o.maxRestarts >= 0 && restarts > o.maxRestarts {
			return fmt.Errorf("restart budget exhausted after %d restarts: %w", restarts-1, err)
		}
		o.log.Error("component crashed, restarting",
			logger.Component(c.Name),
			logger.Error(err),
			logger.RetryCount(restarts),
			logger.NextRetry(time.Now().Add(o.restartBackoff)))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.restartBackoff):
		}
	}
}

// awaitReady polls the component's readiness probe until it passes.
func (o *Orchestrator) awaitReady(ctx context.Context, c Component) error {
	if c.Ready == nil {
		return nil
	}

	backoff := retry.WithMaxDuration(o.readyTimeout, retry.NewConstant(o.readyInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.Ready(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNeverReady, c.Name, err)
	}
	o.log.Info("component ready", logger.Component(c.Name))
	return nil
}

// fail converts a component error into the orchestration outcome:
// critical failures cancel the whole tree, non-critical ones strand the
// failed component's dependents and are reported when Run returns.
func (o *Orchestrator) fail(ctx context.Context, c Component, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	wrapped := fmt.Errorf("%w: %s: %w", ErrComponentFailed, c.Name, err)
	if c.Critical {
		return wrapped
	}
	o.log.Error("component failed, dependents will not start",
		logger.Component(c.Name), logger.Error(err))
	o.mu.Lock()
	o.failures = append(o.failures, wrapped)
	o.mu.Unlock()
	return nil
}

// validateGraph checks that every dependency exists and the graph has
// no cycles.
func (o *Orchestrator) validateGraph() error {
	deps := make(map[string][]string, len(o.components))
	for _, c := range o.components {
		for _, dep := range c.DependsOn {
			if _, ok := o.names[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, c.Name, dep)
			}
		}
		deps[c.Name] = c.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: %s", ErrDependencyCycle, name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, c := range o.components {
		if err := visit(c.Name); err != nil {
			return err
		}
	}
	return nil
}
