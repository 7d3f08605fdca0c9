package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/codecot/proxy-stone-sub002/pkg/api"
	"github.com/codecot/proxy-stone-sub002/pkg/balancer"
	"github.com/codecot/proxy-stone-sub002/pkg/cluster"
	"github.com/codecot/proxy-stone-sub002/pkg/config"
	"github.com/codecot/proxy-stone-sub002/pkg/health"
	"github.com/codecot/proxy-stone-sub002/pkg/metrics"
	"github.com/codecot/proxy-stone-sub002/pkg/registry"
	"github.com/codecot/proxy-stone-sub002/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to yaml configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Invalid configuration is fatal; never start monitoring with it.
		log.Fatalf("configuration error: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	backend, err := buildBackend(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage backend: %w", err)
	}
	defer backend.Close()

	reg, err := registry.NewLeaseRegistry(backend, logger,
		registry.WithLeaseTTL(cfg.Cluster.LeaseTTL),
	)
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer reg.Close()

	mtr := metrics.New()

	monitor, err := health.NewMonitor(health.Options{
		Registry: reg,
		Config:   cfg.Health,
		Logger:   logger,
		Metrics:  mtr,
	})
	if err != nil {
		return fmt.Errorf("health monitor: %w", err)
	}

	bal, err := balancer.New(balancer.Strategy(cfg.Balancer.Strategy))
	if err != nil {
		return err
	}

	manager, err := cluster.NewManager(cluster.Options{
		Config:   cfg,
		Registry: reg,
		Monitor:  monitor,
		Balancer: bal,
		Logger:   logger,
		Metrics:  mtr,
	})
	if err != nil {
		return fmt.Errorf("cluster manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("cluster manager: %w", err)
	}

	server := api.NewServer(api.Options{
		Registry: reg,
		Manager:  manager,
		Monitor:  monitor,
		Logger:   logger,
		Metrics:  mtr,
	})
	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	manager.Shutdown(shutdownCtx)
	return nil
}

func buildBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Type {
	case "etcd":
		return storage.NewEtcd(cfg.Endpoints, cfg.DialTimeout)
	default:
		return storage.NewMemory(), nil
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
