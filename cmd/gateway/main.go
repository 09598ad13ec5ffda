// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ManuGH/xg2g/internal/allocator"
	"github.com/ManuGH/xg2g/internal/config"
	"github.com/ManuGH/xg2g/internal/gateway"
	"github.com/ManuGH/xg2g/internal/guardian"
	"github.com/ManuGH/xg2g/internal/health"
	"github.com/ManuGH/xg2g/internal/jobs"
	xglog "github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/quota"
	"github.com/ManuGH/xg2g/internal/store"
	"github.com/ManuGH/xg2g/internal/tts"
	"github.com/ManuGH/xg2g/internal/upstream"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "vfgw"})
	logger := xglog.WithComponent("gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadEnvFile(config.ParseString("VFGW_ENV_FILE", ".env")); err != nil {
		logger.Fatal().Err(err).Str("event", "env_file.load_failed").Msg("failed to load env file")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	cfg.Version = version

	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: cfg.LogService, Version: cfg.Version})
	logger = xglog.WithComponent("gateway")

	if err := health.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "startup.check_failed").Msg("startup checks failed")
	}

	keys, err := config.LoadKeyPool(cfg.KeyPoolPath, "VFGW_API_KEYS", "VFGW_API_KEY")
	if err != nil {
		logger.Fatal().Err(err).Str("event", "keypool.load_failed").Msg("failed to load API key pool")
	}

	limitsHolder, err := config.NewAllocatorConfigHolder(cfg.AllocatorConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "allocator_config.load_failed").Msg("failed to load allocator limits")
	}

	alloc, err := allocator.New(keys, limitsHolder.Get())
	if err != nil {
		logger.Fatal().Err(err).Str("event", "allocator.init_failed").Msg("failed to initialize allocator")
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := limitsHolder.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Str("event", "allocator_config.watch_stopped").Msg("allocator config watcher stopped")
		}
	}()

	registry := upstream.NewRegistry(
		upstream.NewGeminiClient(config.ParseString("VFGW_GEMINI_BASE_URL", "https://generativelanguage.googleapis.com")),
		upstream.NewKokoroClient(config.ParseString("VFGW_KOKORO_BASE_URL", "http://127.0.0.1:8880")),
	)

	orchestrator := tts.New(alloc, registry)

	quotaStore, err := newQuotaStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "quota_store.init_failed").Msg("failed to initialize quota store")
	}
	quotaEngine := quota.New(quotaStore, &cfg)

	outputDir := filepath.Join(cfg.DataDir, "dubbing-output")
	if err := os.MkdirAll(outputDir, 0750); err != nil {
		logger.Fatal().Err(err).Str("event", "output_dir.create_failed").Msg("failed to create dubbing output directory")
	}
	jobEngine := jobs.New(jobs.NewDubbingStages(orchestrator, outputDir))

	grd := guardian.New(guardian.Config{
		SoftLimit:    int64(cfg.GuardianSoftLimit),
		HardLimit:    int64(cfg.GuardianHardLimit),
		AutoFixMinor: cfg.GuardianAutoFixMinor,
		Cooldown:     cfg.GuardianCooldown,
		AdminUIDs:    cfg.AdminUIDs,
		AdminToken:   cfg.AdminToken,
	}, alloc, registry, &runtimeExecutor{alloc: alloc, cfg: cfg, logger: logger})

	srv := gateway.New(gateway.Deps{
		Version:        cfg.Version,
		AllowedOrigins: config.ParseStringSlice("VFGW_ALLOWED_ORIGINS", nil),
		RateLimitRPS:   config.ParseInt("VFGW_RATE_LIMIT_RPS", 20),
		RateLimitBurst: config.ParseInt("VFGW_RATE_LIMIT_BURST", 40),
		Allocator:      alloc,
		Registry:       registry,
		Orchestrator:   orchestrator,
		Jobs:           jobEngine,
		Quota:          quotaEngine,
		Guardian:       grd,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := cron.New()
	sweepLogger := xglog.WithComponent("gateway.sweep")
	if _, err := sweeper.AddFunc("@daily", func() {
		n, err := quotaEngine.SweepExpired(ctx)
		if err != nil {
			sweepLogger.Warn().Err(err).Str("event", "quota.sweep_failed").Msg("expired usage sweep failed")
			return
		}
		sweepLogger.Info().Str("event", "quota.sweep_done").Int("documents_removed", n).Msg("expired usage sweep complete")
	}); err != nil {
		logger.Fatal().Err(err).Str("event", "cron.schedule_failed").Msg("failed to schedule quota usage sweep")
	}
	if _, err := sweeper.AddFunc("@hourly", func() {
		n := grd.SweepExpiredCooldowns()
		sweepLogger.Info().Str("event", "guardian.cooldown_sweep_done").Int("entries_removed", n).Msg("expired guardian cooldowns swept")
	}); err != nil {
		logger.Fatal().Err(err).Str("event", "cron.schedule_failed").Msg("failed to schedule guardian cooldown sweep")
	}
	sweeper.Start()
	defer sweeper.Stop()

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.ListenAddr).
		Int("key_pool_size", alloc.PoolSize()).
		Msg("starting vfgw gateway")

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info().Str("event", "shutdown.signal").Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Fatal().Err(err).Str("event", "server.failed").Msg("HTTP server exited unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Str("event", "shutdown.failed").Msg("graceful shutdown failed")
	}
	logger.Info().Str("event", "shutdown.complete").Msg("vfgw gateway stopped")
}

// newQuotaStore selects the durable quota backend named by
// VFGW_QUOTA_STORE_BACKEND; PerformStartupChecks has already validated the
// backend-specific prerequisites by the time this runs.
func newQuotaStore(cfg config.AppConfig, logger zerolog.Logger) (quota.Store, error) {
	switch cfg.QuotaStoreBackend {
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLitePath)
	default:
		logger.Warn().Str("event", "quota_store.memory").Msg("using in-memory quota store; usage counters do not survive a restart")
		return quota.NewMemoryStore(), nil
	}
}

// runtimeExecutor is the guardian's side-effecting arm. Neither upstream
// client exposes a runtime-supervisor API, so a runtime restart is logged
// rather than actuated; refreshing the Gemini key pool is real, re-reading
// the key pool source and swapping it into the allocator.
type runtimeExecutor struct {
	alloc  *allocator.Allocator
	cfg    config.AppConfig
	logger zerolog.Logger
}

func (e *runtimeExecutor) RestartRuntime(_ context.Context, engine string) error {
	e.logger.Warn().Str("event", "guardian.restart_runtime").Str("engine", engine).
		Msg("runtime restart requested; no supervisor API is wired for this engine, operator must restart it out of band")
	return nil
}

func (e *runtimeExecutor) RestartAllRuntimes(ctx context.Context) error {
	for _, engine := range []string{string(upstream.EngineGemini), string(upstream.EngineKokoro)} {
		if err := e.RestartRuntime(ctx, engine); err != nil {
			return err
		}
	}
	return nil
}

func (e *runtimeExecutor) RefreshGeminiPool(_ context.Context) error {
	keys, err := config.LoadKeyPool(e.cfg.KeyPoolPath, "VFGW_API_KEYS", "VFGW_API_KEY")
	if err != nil {
		return fmt.Errorf("reload key pool: %w", err)
	}
	return e.alloc.ReloadKeys(keys)
}
