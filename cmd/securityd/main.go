package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"canteiro.app/internal/app"
	"canteiro.app/internal/config"
	"canteiro.app/internal/httpapi"
	"canteiro.app/internal/obs"
	"canteiro.app/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const serviceName = "securityd"

func main() {
	configPath := flag.String("config", "", "YAML config file (default $SECURITY_CONFIG_FILE)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	build := obs.InitBuildInfo(serviceName, version, commit)
	shutdownTracing := obs.InitTracing(serviceName, version, cfg.Tracing.Sampler, cfg.Tracing.Ratio)

	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		log.Fatalf("config: http.trusted_proxies: %v", err)
	}

	store, err := pg.Open(cfg.PG.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	core, err := app.New(cfg, store)
	if err != nil {
		log.Fatalf("wire core: %v", err)
	}
	defer core.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopFollow, err := core.FollowInvalidations(ctx)
	if err != nil {
		log.Fatalf("subscribe invalidations: %v", err)
	}
	defer stopFollow()

	api := httpapi.New(httpapi.Deps{
		Ready:       store,
		Verifier:    core.Verifier,
		Pipeline:    core.Pipeline,
		Enforcement: core.Checker,
		Events:      core.Emitter,
		Features:    core.Resolver,
		Overrides:   store,
		Policies:    core.Policies,
		Actions:     core.Enforcer,
	}, version,
		httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		httpapi.WithTrustedProxies(proxies),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(store, 5*time.Second)
	grpcSrv := httpapi.NewGRPCServer(health)

	obs.Info("securityd starting", map[string]any{
		"version":   build.Version,
		"commit":    build.Commit,
		"go":        build.GoVersion,
		"http_addr": cfg.HTTP.Addr,
		"grpc_addr": cfg.GRPC.Addr,
		"jobs":      core.Jobs.Names(),
		"auth":      core.Verifier.Enabled(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error { return core.Jobs.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("securityd shutting down", nil)
		health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		obs.Error("securityd stopped with error", map[string]any{"error": err})
	}
	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(tctx); err != nil {
		obs.Warn("tracing shutdown", map[string]any{"error": err})
	}
	obs.Info("securityd stopped", nil)
}
