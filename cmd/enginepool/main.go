// Package main is the entrypoint for the enginepool service host.
// It loads configuration, opens the pool, starts the metrics and health
// endpoints and the Redis stats reporter, and handles graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/joao-brasil/enginepool/internal/config"
	"github.com/joao-brasil/enginepool/internal/health"
	"github.com/joao-brasil/enginepool/internal/pool"
	"github.com/joao-brasil/enginepool/internal/reporter"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/enginepool.yaml", "Path to configuration file")
	logLevel := pflag.String("log-level", "info", "Log level: debug, info, warn, error")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*configPath, logger); err != nil {
		logger.Error("enginepool failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	logger.Info("starting enginepool")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		"pool", cfg.Pool.Name,
		"path", cfg.Pool.Path,
		"max_connections", cfg.Pool.MaxConnections,
		"min_connections", cfg.Pool.MinConnections,
		"instance", cfg.Server.InstanceID,
	)

	// ─── Open Connection Pool ─────────────────────────────────────────
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}
	p, err := pool.New(context.Background(), cfg.ToPoolConfig(logger))
	if err != nil {
		return fmt.Errorf("opening pool: %w", err)
	}
	defer func() {
		logger.Info("closing pool")
		if err := p.Close(); err != nil {
			logger.Error("pool close failed", "error", err)
		}
	}()
	s := p.Stats()
	logger.Info("pool ready", "available", s.Available, "max", s.Max)

	// ─── Redis (optional) ─────────────────────────────────────────────
	var rdb *redis.Client
	var rep *reporter.Reporter
	if cfg.Redis.Enabled {
		rdb = reporter.NewClient(cfg.Redis)
		defer rdb.Close()

		rep = reporter.New(rdb, p, reporter.Options{
			InstanceID: cfg.Server.InstanceID,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			Interval:   cfg.Redis.ReportInterval,
			TTL:        cfg.Redis.ReportTTL,
			Logger:     logger,
		})
		rep.Start(context.Background())
	}

	// ─── Metrics Server ───────────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.MetricsPort)
	metricsServer := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	// ─── Health Checker ───────────────────────────────────────────────
	var checkerRedis redis.UniversalClient
	if rdb != nil {
		checkerRedis = rdb
	}
	checker := health.NewChecker(p, checkerRedis, cfg.Server.InstanceID, logger)
	healthServer := checker.Serve(fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HealthCheckPort))

	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		logger.Info("initial health check",
			"component", comp.Name, "status", comp.Status, "message", comp.Message, "latency", comp.Latency)
	}

	// ─── Graceful Shutdown ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("enginepool is ready, waiting for shutdown signal")
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown in reverse order
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown failed", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
	if rep != nil {
		if err := rep.Close(shutdownCtx); err != nil {
			logger.Error("stats reporter close failed", "error", err)
		}
	}

	final := p.Stats()
	logger.Info("final pool stats",
		"total_queries", final.TotalQueries,
		"slow_queries", final.SlowQueries,
		"average_query_time", final.AverageQueryTime,
		"peak_connections", final.PeakConnections,
		"timeouts", final.Timeouts,
	)
	return nil
}
