package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/cordum-authz/core/authz"
	"github.com/cordum/cordum-authz/core/infra/bus"
	"github.com/cordum/cordum-authz/core/infra/config"
	"github.com/cordum/cordum-authz/core/infra/logging"
	infraMetrics "github.com/cordum/cordum-authz/core/infra/metrics"
)

const metricsNamespace = "cordum_authz"

// Run wires the gateway from cfg and serves HTTP, gRPC and metrics until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := Build(ctx, cfg, infraMetrics.NewProm(metricsNamespace), infraMetrics.NewGatewayProm(metricsNamespace))
	if err != nil {
		return err
	}
	defer cleanup()

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ServeGRPC(ctx, cfg.GRPCAddr) }()
	go func() { errCh <- srv.Run(ctx, cfg.HTTPAddr, cfg.MetricsAddr) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			stop()
		}
	}
	return firstErr
}

// Build assembles the Server and its collaborators. cleanup releases connections in reverse order.
func Build(ctx context.Context, cfg *config.Config, dm infraMetrics.DecisionMetrics, gm infraMetrics.GatewayMetrics) (*Server, func(), error) {
	if cfg == nil {
		return nil, nil, errors.New("config required")
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	var cache authz.DecisionCache
	if cfg.Cache.URL != "" {
		rc, err := authz.NewRedisDecisionCache(ctx, cfg.Cache.URL)
		if err != nil {
			return fail(fmt.Errorf("decision cache: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		cache = rc
		logging.Info("authz-gateway", "decision cache", "backend", "redis")
	} else {
		cache = authz.NewMemoryDecisionCache()
		logging.Warn("authz-gateway", "decision cache is in-process; decisions are not shared between replicas")
	}

	var pdp authz.PDPClient
	switch cfg.PDP.Transport {
	case config.PDPTransportGRPC:
		gc, err := authz.NewGRPCPDPClient(cfg.PDP.Addr, cfg.PDPTimeout())
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = gc.Close() })
		pdp = gc
	default:
		pdp = authz.NewHTTPPDPClient(cfg.PDP.Addr, cfg.PDPTimeout(), nil)
	}
	logging.Info("authz-gateway", "pdp configured", "addr", cfg.PDP.Addr, "transport", cfg.PDP.Transport, "timeout", cfg.PDPTimeout())

	sinks := []authz.AuditSink{authz.NewSlogAuditSink(slog.New(slog.NewJSONHandler(os.Stdout, nil)))}
	var auditBus *bus.Publisher
	if cfg.Audit.NatsURL != "" {
		pub, err := bus.Connect(cfg.Audit.NatsURL, cfg.ServiceName, cfg.Audit.Subject)
		if err != nil {
			return fail(fmt.Errorf("audit bus: %w", err))
		}
		closers = append(closers, pub.Close)
		auditBus = pub
		sinks = append(sinks, authz.NewNatsAuditSink(pub, cfg.Audit.Subject))
	}

	high, med, low := cfg.TTLs()
	gw, err := authz.NewGateway(authz.GatewayConfig{
		PDP:     pdp,
		Cache:   cache,
		Breaker: authz.NewBreaker(cfg.Breaker.Failures, config.BreakerResetTimeout),
		Audit:   authz.NewAuditLogger(cfg.ServiceName, sinks...),
		TTL:     authz.TTLPolicy{High: high, Medium: med, Low: low},
		Metrics: dm,
	})
	if err != nil {
		return fail(err)
	}

	resolver, err := authz.NewResolver(authz.ResolverConfig{
		Mode:         cfg.Principal.Source,
		JWTKey:       cfg.Principal.JWTPublicKey,
		FallbackMode: cfg.Principal.FallbackMode,
		Production:   cfg.IsProduction(),
	})
	if err != nil {
		return fail(err)
	}
	if cfg.IsProduction() && cfg.Principal.Source == config.PrincipalSourceJWT && cfg.Principal.JWTPublicKey == "" {
		logging.Warn("authz-gateway", "no jwt verification key in production; bearer tokens will resolve to anonymous")
	}
	srv := NewServer(gw, resolver, gm)
	if auditBus != nil {
		srv.SetAuditBus(auditBus)
	}
	return srv, cleanup, nil
}
