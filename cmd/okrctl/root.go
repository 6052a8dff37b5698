package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"momentum/api/internal/config"
	"momentum/api/internal/lock"
	"momentum/api/internal/rollup"
	"momentum/api/internal/store"
	"momentum/api/internal/telemetry"
)

// flagKeys maps persistent flags onto config keys so a flag beats the
// environment.
var flagKeys = map[string]string{
	"database-driver": "DATABASE_DRIVER",
	"database-url":    "DATABASE_URL",
	"redis-url":       "REDIS_URL",
	"log-level":       "MOMENTUM_LOG_LEVEL",
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "okrctl",
		Short:         "Maintenance tool for the Momentum OKR store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("database-driver", "", "database driver: pgx or sqlite (env DATABASE_DRIVER)")
	flags.String("database-url", "", "database URL (env DATABASE_URL)")
	flags.String("redis-url", "", "redis URL for mission locks; empty uses in-process locks (env REDIS_URL)")
	flags.String("log-level", "", "log level: debug, info, warn, error (env MOMENTUM_LOG_LEVEL)")
	flags.Bool("json", false, "output as JSON")
	for flag, key := range flagKeys {
		// Only an explicitly set flag overrides the environment.
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(
		newMigrateCmd(v),
		newVerifyCmd(v),
		newRepairCmd(v),
		newAuditCmd(v),
		newTokenCmd(v),
	)
	return root
}

// env is what a command needs to reach the store.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.SQLStore
	engine  *rollup.Engine
	checker *rollup.Checker
	closers []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", "error", err)
		}
	}
}

// openEnv connects to the database and builds the rollup engine the same
// way the API server does. Migrations are not applied.
func openEnv(ctx context.Context, cmd *cobra.Command, v *viper.Viper) (*env, error) {
	cfg := config.FromViper(v)
	logger := telemetry.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)

	dataStore, err := store.Connect(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, false)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, store: dataStore, closers: []func() error{dataStore.Close}}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		redisLock, err := lock.NewRedis(cfg.RedisURL, cfg.LockTTL, logger)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, redisLock.Close)
		locker = redisLock
	}

	metrics := telemetry.NewMetrics()
	e.engine = rollup.NewEngine(dataStore, locker, rollup.Options{
		LockTimeout: cfg.LockTimeout,
		Attempts:    cfg.RollupAttempts,
		Metrics:     metrics,
		Logger:      logger,
	})
	e.checker = rollup.NewChecker(dataStore, metrics, logger)
	return e, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
