package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"payflow/cmd/server/config"
	"payflow/internal/adapters"
	"payflow/internal/adapters/account"
	"payflow/internal/adapters/clearing"
	grpcadapter "payflow/internal/adapters/grpc"
	"payflow/internal/adapters/httpapi"
	"payflow/internal/executor"
	"payflow/internal/observability"
	"payflow/internal/orchestrator"
	"payflow/internal/payments"
	"payflow/internal/realtime"
	"payflow/internal/routing"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// app is the wired server: the orchestrator, its workers, and the
// transports in front of it.
type app struct {
	cfg     config.Config
	log     logr.Logger
	metrics *observability.Metrics

	orch    *orchestrator.Orchestrator
	pool    *orchestrator.Pool
	sweeper *orchestrator.Sweeper
	hub     *realtime.Hub

	api    http.Handler
	grpc   *grpcpkg.Server
	health *health.Server

	closers []func()
}

func buildApp(ctx context.Context, cfg config.Config, log logr.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: observability.NewMetrics(),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	store, closeStore, err := buildSagaStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	ledger, closeLedger, err := buildLedger(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeLedger)

	source := routing.NewCachedSource(routing.NewFileSource(cfg.Routing.File), cfg.Routing.CacheTTL)
	if _, err := source.Snapshot(ctx); err != nil {
		return nil, fmt.Errorf("load routing table: %w", err)
	}

	accounts, networks := a.collaborators(cfg.Collaborators)
	registry, err := payments.NewRegistry(accounts, networks)
	if err != nil {
		return nil, err
	}

	exec := executor.New(ledger, executor.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		StepTimeout: cfg.Retry.StepTimeout,
		StaleAfter:  cfg.Retry.InflightStaleAfter,
	}, executor.WithLogger(log.WithName("executor")), executor.WithMetrics(a.metrics))

	a.hub = realtime.NewHub(log.WithName("events"), cfg.Orchestrator.EventBuffer)
	a.orch, err = orchestrator.New(orchestrator.Config{
		Store:    store,
		Executor: exec,
		Resolver: routing.NewResolver(source),
		Registry: registry,
		Events:   a.hub,
		Logger:   log.WithName("orchestrator"),
		Metrics:  a.metrics,
		Owner:    cfg.Orchestrator.Owner,
		LeaseTTL: cfg.Orchestrator.LeaseTTL,
	})
	if err != nil {
		return nil, err
	}

	a.pool = orchestrator.NewPool(a.orch, orchestrator.PoolConfig{
		Workers:        cfg.Orchestrator.Workers,
		QueueSize:      cfg.Orchestrator.QueueSize,
		BusyRetryDelay: cfg.Orchestrator.BusyRetryDelay,
		DrainTimeout:   cfg.Orchestrator.DrainTimeout,
		Logger:         log.WithName("pool"),
	})
	a.orch.UseDispatcher(a.pool)

	a.sweeper = orchestrator.NewSweeper(orchestrator.SweeperConfig{
		Store:      store,
		Dispatcher: a.pool,
		Interval:   cfg.Sweeper.Interval,
		StaleAfter: cfg.Sweeper.StaleAfter,
		BatchSize:  cfg.Sweeper.BatchSize,
		Logger:     log.WithName("sweeper"),
	})

	a.api = httpapi.NewRouter(httpapi.NewHandler(a.orch, log.WithName("http")), httpapi.Routes{
		Events:  a.hub,
		Metrics: observability.Handler(a.metrics),
	}, log.WithName("http"))

	a.buildGRPC()
	return a, nil
}

func (a *app) guard(name string) adapters.Guard {
	cfg := a.cfg.Collaborators
	log := a.log.WithName("breaker")
	return adapters.Guard{
		Limiter: adapters.NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst).OnWait(a.metrics.AddRateLimitWait),
		Breaker: adapters.NewCircuitBreaker(adapters.CircuitBreakerConfig{
			Name:         name,
			MaxFailures:  cfg.BreakerFailures,
			ResetTimeout: cfg.BreakerCooldown,
			OnStateChange: func(name string, from, to adapters.BreakerState) {
				log.Info("circuit breaker changed state", "collaborator", name, "from", from, "to", to)
			},
		}),
	}
}

// collaborators builds the account adapter and one clearing adapter per
// network, remote when a URL is configured and simulated otherwise. Each
// collaborator gets its own limiter and breaker.
func (a *app) collaborators(cfg config.CollaboratorsConfig) (payments.AccountAdapter, payments.Networks) {
	var accounts payments.AccountAdapter
	if cfg.AccountURL != "" {
		accounts = account.NewHTTPClient(adapters.NewJSONClient(cfg.AccountURL, cfg.Timeout))
	} else {
		a.log.Info("using in-memory accounts", "accounts", len(cfg.Balances))
		accounts = account.NewMemory(cfg.Balances)
	}

	names := make(map[string]struct{}, len(cfg.Networks)+len(cfg.ClearingURLs))
	for _, name := range cfg.Networks {
		names[name] = struct{}{}
	}
	for name := range cfg.ClearingURLs {
		names[name] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	networks := make(payments.Networks, len(sorted))
	for _, name := range sorted {
		var base payments.ClearingAdapter
		if url, ok := cfg.ClearingURLs[name]; ok && url != "" {
			base = clearing.NewHTTPClient(name, adapters.NewJSONClient(url, cfg.Timeout))
		} else {
			var opts []clearing.MemoryOption
			if cfg.SettlementDelay > 0 {
				opts = append(opts, clearing.WithSettlementDelay(cfg.SettlementDelay, nil))
			}
			a.log.Info("using simulated clearing network", "network", name, "settlement_delay", cfg.SettlementDelay)
			base = clearing.NewMemory(name, opts...)
		}
		networks[name] = adapters.NewGuardedClearing(base, a.guard("clearing/"+name))
	}
	return adapters.NewGuardedAccount(accounts, a.guard("accounts")), networks
}

func (a *app) buildGRPC() {
	limiter := adapters.NewRateLimiter(a.cfg.GRPC.RateLimitInterval, a.cfg.GRPC.RateLimitBurst).OnWait(a.metrics.AddRateLimitWait)
	guard := newCallGuard(limiter, a.metrics, a.log.WithName("grpc"))
	a.grpc = grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(guard.unary()),
		grpcpkg.StreamInterceptor(guard.stream()),
	)
	grpcadapter.RegisterSagaServiceServer(a.grpc, grpcadapter.NewServer(a.orch))

	a.health = health.NewServer()
	healthpb.RegisterHealthServer(a.grpc, a.health)
	a.setServing(healthpb.HealthCheckResponse_SERVING)

	if a.cfg.GRPC.Reflection && !a.cfg.Production() {
		reflection.Register(a.grpc)
		a.log.Info("gRPC reflection enabled", "env", a.cfg.Env)
	}
}

func (a *app) setServing(st healthpb.HealthCheckResponse_ServingStatus) {
	a.health.SetServingStatus(grpcadapter.ServiceName, st)
	a.health.SetServingStatus("", st)
}

// runWorkers starts the event hub, the worker pool and the sweeper on g.
func (a *app) runWorkers(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error { return ignoreCanceled(a.pool.Run(ctx)) })
	g.Go(func() error { return a.sweeper.Run(ctx) })
}

// run serves every transport until ctx is cancelled, then drains them.
func (a *app) run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: a.api, ReadHeaderTimeout: 10 * time.Second}
	obsMux := http.NewServeMux()
	obsMux.Handle("/metrics", observability.Handler(a.metrics))
	obsSrv := &http.Server{Addr: a.cfg.Observability.Addr, Handler: obsMux, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	a.runWorkers(ctx, g)
	g.Go(func() error {
		a.log.Info("gRPC server listening", "addr", a.cfg.GRPC.Addr)
		return a.grpc.Serve(lis)
	})
	g.Go(func() error {
		a.log.Info("HTTP server listening", "addr", a.cfg.HTTP.Addr)
		return ignoreClosed(httpSrv.ListenAndServe())
	})
	g.Go(func() error {
		a.log.Info("observability server listening", "addr", a.cfg.Observability.Addr)
		return ignoreClosed(obsSrv.ListenAndServe())
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down", "pending", a.pool.Pending())
		a.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
		a.metrics.MarkShutdown(int64(a.pool.Pending()))
		a.grpc.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return errors.Join(httpSrv.Shutdown(shutdownCtx), obsSrv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
