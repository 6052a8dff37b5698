package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"momentum/api/internal/app"
	"momentum/api/internal/config"
	"momentum/api/internal/lock"
	"momentum/api/internal/rollup"
	"momentum/api/internal/store"
	"momentum/api/internal/telemetry"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := telemetry.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.SetupTracing(ctx, "momentum-api", cfg.OTLPEndpoint)
	if err != nil {
		fatal(logger, "tracing setup failed", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	dataStore, err := store.Connect(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, true)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer dataStore.Close()

	metrics := telemetry.NewMetrics()

	var locker lock.Locker
	var lockPing func(context.Context) error
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for mission locks")
		redisLock, err := lock.NewRedis(cfg.RedisURL, cfg.LockTTL, logger)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer redisLock.Close()
		locker = redisLock
		lockPing = redisLock.Ping
	} else {
		logger.Info("using in-process mission locks")
		locker = lock.NewLocal()
	}

	engine := rollup.NewEngine(dataStore, locker, rollup.Options{
		LockTimeout: cfg.LockTimeout,
		Attempts:    cfg.RollupAttempts,
		Metrics:     metrics,
		Logger:      logger,
	})
	checker := rollup.NewChecker(dataStore, metrics, logger)

	service := app.New(cfg, dataStore, engine, checker, logger)
	if lockPing != nil {
		service.AddReadinessCheck("lock", lockPing)
	}

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:     cfg.CORSOrigin,
		Logger:         logger,
		Metrics:        metrics,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("momentum api listening", "addr", cfg.Addr, "driver", cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
