// Command edgegate runs the TLS-terminating edge gateway: a reverse
// proxy in front of a single upstream application, with automated
// certificate acquisition and renewal over ACME HTTP-01.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgegate/edgegate/core/certagent"
	"github.com/edgegate/edgegate/core/certstore"
	"github.com/edgegate/edgegate/core/challenge"
	"github.com/edgegate/edgegate/core/config"
	"github.com/edgegate/edgegate/core/health"
	"github.com/edgegate/edgegate/core/logger"
	"github.com/edgegate/edgegate/core/orchestrator"
	"github.com/edgegate/edgegate/core/proxy"
	"github.com/edgegate/edgegate/core/server"
	"github.com/edgegate/edgegate/integration/database/pg"
	"github.com/edgegate/edgegate/integration/database/redis"
	"github.com/edgegate/edgegate/middleware"
)

type appConfig struct {
	// Upstream is the logical name (or name:port) of the application the
	// gateway fronts. Resolved per request, never cached beyond a short TTL.
	Upstream string `env:"UPSTREAM_ADDR,required"`

	// UpstreamHealthURL is polled before the upstream is considered
	// eligible for traffic. Empty disables the gate.
	UpstreamHealthURL string `env:"UPSTREAM_HEALTH_URL"`

	CertDir      string `env:"CERT_DIR" envDefault:"/var/lib/edgegate/certs"`
	ChallengeDir string `env:"CHALLENGE_DIR" envDefault:"/var/lib/edgegate/challenges"`

	MaxBodySize int64 `env:"MAX_BODY_SIZE" envDefault:"4194304"`

	// PGGate and RedisGate enable data-tier health gating ahead of the
	// upstream traffic gate.
	PGGate    bool `env:"PG_GATE_ENABLED" envDefault:"false"`
	RedisGate bool `env:"REDIS_GATE_ENABLED" envDefault:"false"`

	Development bool `env:"DEV_MODE" envDefault:"false"`
}

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg appConfig
	config.MustLoad(&cfg)
	var agentCfg certagent.Config
	config.MustLoad(&agentCfg)
	var edgeCfg server.EdgeConfig
	config.MustLoad(&edgeCfg)

	logOpts := []logger.Option{logger.WithApp("edgegate")}
	if cfg.Development {
		logOpts = append(logOpts, logger.WithDevelopment("edgegate"))
	}
	log := logger.New(logOpts...)

	store, err := certstore.New(cfg.CertDir)
	if err != nil {
		log.Error("certificate store init failed", logger.Error(err))
		return err
	}
	tokens, err := challenge.NewStore(cfg.ChallengeDir, challenge.WithLogger(log))
	if err != nil {
		log.Error("challenge store init failed", logger.Error(err))
		return err
	}

	mode := proxy.NewModeState()
	resolver, err := proxy.NewResolver(cfg.Upstream)
	if err != nil {
		log.Error("invalid upstream", logger.Error(err))
		return err
	}
	prx := proxy.New(resolver, proxy.WithLogger(log))

	app := middleware.Chain(prx,
		middleware.RequestID(),
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Logger:    log,
			Component: "edge",
			Skip: func(r *http.Request) bool {
				return r.URL.Path == "/livez" || r.URL.Path == "/readyz"
			},
		}),
		middleware.BodyLimitWithSize(cfg.MaxBodySize),
	)

	var upstreamProbe *health.Probe
	edgeOpts := []server.EdgeOption{server.WithEdgeLogger(log)}
	if cfg.UpstreamHealthURL != "" {
		upstreamProbe, err = health.NewProbe(cfg.UpstreamHealthURL, health.WithProbeLogger(log))
		if err != nil {
			log.Error("invalid upstream health URL", logger.Error(err))
			return err
		}
		edgeOpts = append(edgeOpts, server.WithReadinessChecks(upstreamProbe.AsCheck()))
	}

	edge, err := server.NewEdge(edgeCfg, agentCfg.Domain, store, tokens, mode, edgeOpts...)
	if err != nil {
		log.Error("edge server init failed", logger.Error(err))
		return err
	}

	agent, err := certagent.New(agentCfg, store, tokens,
		certagent.WithAgentLogger(log),
		certagent.WithOnIssued(edge.Install))
	if err != nil {
		log.Error("certificate agent init failed", logger.Error(err))
		return err
	}

	watchReload(ctx, log, edge)

	orch := orchestrator.New(orchestrator.WithLogger(log))
	if err := assemble(orch, cfg, edge, agent, app, upstreamProbe); err != nil {
		log.Error("orchestration assembly failed", logger.Error(err))
		return err
	}

	if err := orch.Run(ctx); err != nil {
		log.Error("gateway stopped with failure", logger.Error(err))
		return err
	}
	log.Info("gateway stopped")
	return nil
}

// assemble registers the component tree: edge listeners first, data-tier
// gates ahead of the upstream traffic gate, and the certificate agent's
// bootstrap gated on the edge being reachable.
func assemble(orch *orchestrator.Orchestrator, cfg appConfig, edge *server.EdgeServer, agent *certagent.Agent, app http.Handler, upstreamProbe *health.Probe) error {
	if err := orch.Add(orchestrator.Component{
		Name:     "edge",
		Kind:     orchestrator.KindLongRunning,
		Critical: true,
		Run: func(ctx context.Context) error {
			return edge.Run(ctx, app)
		},
	}); err != nil {
		return err
	}

	gateDeps := []string{"edge"}
	if cfg.PGGate {
		if err := orch.Add(orchestrator.Component{
			Name: "postgres",
			Kind: orchestrator.KindOneShot,
			Run: func(ctx context.Context) error {
				var pgCfg pg.Config
				if err := config.Load(&pgCfg); err != nil {
					return err
				}
				pool, err := pg.Connect(ctx, pgCfg)
				if err != nil {
					return err
				}
				pool.Close()
				return nil
			},
		}); err != nil {
			return err
		}
		gateDeps = append(gateDeps, "postgres")
	}
	if cfg.RedisGate {
		if err := orch.Add(orchestrator.Component{
			Name: "redis",
			Kind: orchestrator.KindOneShot,
			Run: func(ctx context.Context) error {
				var rCfg redis.Config
				if err := config.Load(&rCfg); err != nil {
					return err
				}
				client, err := redis.Connect(ctx, rCfg)
				if err != nil {
					return err
				}
				return client.Close()
			},
		}); err != nil {
			return err
		}
		gateDeps = append(gateDeps, "redis")
	}

	if upstreamProbe != nil {
		if err := orch.Add(orchestrator.Component{
			Name:      "upstream-gate",
			Kind:      orchestrator.KindOneShot,
			DependsOn: gateDeps,
			Run:       upstreamProbe.WaitHealthy,
		}); err != nil {
			return err
		}
	}

	// Bootstrap failure is terminal for the certificate agent only: the
	// gateway keeps serving http-only, and the failure surfaces as a
	// non-zero exit when the process stops.
	if err := orch.Add(orchestrator.Component{
		Name:      "cert-bootstrap",
		Kind:      orchestrator.KindOneShot,
		DependsOn: []string{"edge"},
		Run:       agent.Bootstrap,
	}); err != nil {
		return err
	}
	return orch.Add(orchestrator.Component{
		Name:      "cert-agent",
		Kind:      orchestrator.KindLongRunning,
		DependsOn: []string{"cert-bootstrap"},
		Run:       agent.Run,
	})
}

// watchReload re-reads the active certificate on SIGHUP so operators can
// force a reload after replacing the record out of band.
func watchReload(ctx context.Context, log *slog.Logger, edge *server.EdgeServer) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Info("reload signal received")
				if err := edge.Reload(); err != nil {
					log.Error("certificate reload failed", logger.Error(err))
				}
			}
		}
	}()
}
