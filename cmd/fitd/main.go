package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/welltest-lab/fitting-core/internal/archive"
	"github.com/welltest-lab/fitting-core/internal/fitd"
	"github.com/welltest-lab/fitting-core/internal/fitting"
	"github.com/welltest-lab/fitting-core/internal/metrics"
	"github.com/welltest-lab/fitting-core/internal/policy"
	"github.com/welltest-lab/fitting-core/internal/reservoir"
	"github.com/welltest-lab/fitting-core/pkg/config"
	"github.com/welltest-lab/fitting-core/pkg/logger"
)

func main() {
	var configPath string
	var grpcAddr string
	var httpAddr string
	var logLevel string

	flag.StringVar(&configPath, "config", "", "path to YAML config (defaults apply when empty)")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (overrides config)")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			logger.Error("failed to load config", "path", configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if grpcAddr != "" {
		cfg.GRPCAddr = grpcAddr
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger.SetDefault(logger.NewWithFormat(cfg.LogFormat, cfg.LogLevel, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	codec, err := archive.CodecByName(cfg.Export.Codec)
	if err != nil {
		logger.Error("invalid export codec", "codec", cfg.Export.Codec, "error", err)
		os.Exit(1)
	}

	var store archive.Archive = archive.NewMemoryArchive()
	if cfg.Archive.PostgresDSN != "" {
		pg, err := archive.OpenPostgresArchive(ctx, cfg.Archive.PostgresDSN, cfg.Archive.Table)
		if err != nil {
			logger.Error("failed to open postgres archive", "error", err)
			os.Exit(1)
		}
		store = pg
		logger.Info("archiving fits to postgres", "table", cfg.Archive.Table)
	}
	defer store.Close()

	policies := policy.NewSet(cfg.Policies)
	for _, p := range policies.All() {
		logger.Info("policy configured", "policy", p.Name(), "enabled", p.Enabled())
	}
	runs := fitd.NewRunStore()
	executor := fitd.NewRunExecutor(runs, reservoir.NewDefaultRegistry(),
		fitd.WithFitOptions(fitting.OptionsFromConfig(cfg.Fit)),
		fitd.WithUpdateBuffer(cfg.Fit.UpdateBuffer),
		fitd.WithArchive(store, codec),
		fitd.WithNotifier(fitd.NewNotifier(cfg.Notifier).WithCircuitBreaker(policies.CircuitBreaker)),
		fitd.WithMetrics(metrics.NewCollector(metrics.DefaultMaxPoints)),
	)

	// TODO: Configure gRPC server security (TLS, authentication) before
	// exposing the service outside a trusted network.
	grpcServer := grpc.NewServer()
	fitd.RegisterFittingServiceServer(grpcServer, fitd.NewFittingGRPCServer(runs, executor).WithRateLimiter(policies.RateLimiter))

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen for gRPC", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           fitd.NewHTTPServer(runs, executor).
			WithExportCodec(codec).
			WithRateLimiter(policies.RateLimiter).
			Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Error("gRPC server error", "error", err)
			stop()
		}
	}()

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown requested")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := executor.Shutdown(shutdownCtx); err != nil {
		logger.Error("fit shutdown error", "error", err)
	}
	grpcServer.GracefulStop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
}
