// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ManuGH/xg2g/internal/config"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment and configuration before
// the gateway starts serving, so a misconfiguration fails the process at
// boot rather than surfacing as a confusing request-time error.
func PerformStartupChecks(cfg config.AppConfig) error {
	logger := newStartupLogger()
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkQuotaBackend(logger, cfg); err != nil {
		return fmt.Errorf("quota store backend check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func newStartupLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Str("component", "startup-check").Logger()
}

func checkDataDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %w)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("data directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

// checkQuotaBackend ensures a durable backend has what it needs to open
// before the quota engine is wired against it: an existing parent directory
// for sqlite (created if missing; its writability is not checked here), or
// a non-empty address for redis. "memory" needs nothing.
func checkQuotaBackend(logger zerolog.Logger, cfg config.AppConfig) error {
	switch strings.ToLower(cfg.QuotaStoreBackend) {
	case "", "memory":
		logger.Warn().Msg("quota store backend is in-memory; usage counters do not survive a restart")
		return nil
	case "redis":
		if cfg.RedisAddr == "" {
			return fmt.Errorf("VFGW_REDIS_ADDR must be set when VFGW_QUOTA_STORE_BACKEND=redis")
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("quota store backend is redis")
		return nil
	case "sqlite":
		dir := filepath.Dir(cfg.SQLitePath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("cannot create sqlite quota store directory %s: %w", dir, err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("quota store backend is sqlite")
		return nil
	default:
		return fmt.Errorf("unknown VFGW_QUOTA_STORE_BACKEND %q", cfg.QuotaStoreBackend)
	}
}
