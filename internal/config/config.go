// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"time"
)

// AppConfig is the gateway's process-wide configuration. It is loaded once
// at startup (ENV > File > Defaults) and held by the service object; it is
// not consumed directly by the core components, which each take their own
// narrower config struct (AllocatorLimits, quota engine rates, guardian
// thresholds) derived from this.
type AppConfig struct {
	Version  string
	LogLevel string
	LogService string

	ListenAddr string
	DataDir    string

	AllocatorConfigPath string
	KeyPoolPath         string

	AdminUIDs []string
	AdminToken string

	EngineRates map[string]float64 // engine -> vfCost multiplier per char

	GuardianSoftLimit    int
	GuardianHardLimit    int
	GuardianAutoFixMinor bool
	GuardianCooldown     time.Duration

	SilenceBridgeMs int

	// QuotaStoreBackend selects the quota/entitlement persistence backend:
	// "memory" (default, tests/local), "redis", or "sqlite".
	QuotaStoreBackend string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	SQLitePath        string
}

// DefaultAppConfig returns the built-in defaults, mirroring the teacher's
// DefaultOptions/DefaultConfig pattern.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Version:    "dev",
		LogLevel:   "info",
		LogService: "vfgw",
		ListenAddr: ":8080",
		DataDir:    "/var/lib/vfgw",

		AllocatorConfigPath: "/etc/vfgw/allocator.json",
		KeyPoolPath:         "",

		EngineRates: map[string]float64{
			"GEM":     1.0,
			"KOKORO":  0.0,
			"XTTS":    1.0,
		},

		GuardianSoftLimit:    64,
		GuardianHardLimit:    128,
		GuardianAutoFixMinor: true,
		GuardianCooldown:     3 * time.Minute,

		SilenceBridgeMs: 250,

		QuotaStoreBackend: "memory",
		RedisAddr:         "localhost:6379",
		RedisDB:           0,
		SQLitePath:        "/var/lib/vfgw/quota.db",
	}
}

// Load builds an AppConfig from defaults overridden by environment variables.
// File-based overrides (of the same precedence the teacher uses for
// config.yaml) are intentionally out of scope for AppConfig itself: the two
// documents that matter operationally — allocator limits and the key pool —
// have their own strict loaders below, since §6 of the specification
// requires them to fail fast on malformed content.
func Load() (AppConfig, error) {
	cfg := DefaultAppConfig()

	cfg.LogLevel = ParseString("VFGW_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString("VFGW_LOG_SERVICE", cfg.LogService)
	cfg.ListenAddr = ParseString("VFGW_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = ParseString("VFGW_DATA_DIR", cfg.DataDir)
	cfg.AllocatorConfigPath = ParseString("VFGW_ALLOCATOR_CONFIG", cfg.AllocatorConfigPath)
	cfg.KeyPoolPath = ParseString("VFGW_KEY_POOL_FILE", cfg.KeyPoolPath)
	cfg.AdminToken = ParseString("VFGW_ADMIN_TOKEN", cfg.AdminToken)
	cfg.AdminUIDs = ParseStringSlice("VFGW_ADMIN_UIDS", cfg.AdminUIDs)

	cfg.GuardianSoftLimit = ParseInt("VFGW_GUARDIAN_SOFT_LIMIT", cfg.GuardianSoftLimit)
	cfg.GuardianHardLimit = ParseInt("VFGW_GUARDIAN_HARD_LIMIT", cfg.GuardianHardLimit)
	cfg.GuardianAutoFixMinor = ParseBool("VFGW_GUARDIAN_AUTO_FIX_MINOR", cfg.GuardianAutoFixMinor)
	cfg.GuardianCooldown = ParseDuration("VFGW_GUARDIAN_COOLDOWN", cfg.GuardianCooldown)

	cfg.SilenceBridgeMs = ParseInt("VFGW_SILENCE_BRIDGE_MS", cfg.SilenceBridgeMs)

	cfg.QuotaStoreBackend = ParseString("VFGW_QUOTA_STORE_BACKEND", cfg.QuotaStoreBackend)
	cfg.RedisAddr = ParseString("VFGW_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("VFGW_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = ParseInt("VFGW_REDIS_DB", cfg.RedisDB)
	cfg.SQLitePath = ParseString("VFGW_SQLITE_PATH", cfg.SQLitePath)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("invalid application configuration: %w", err)
	}
	return cfg, nil
}

// Validate enforces the minimal invariants needed before the service wires itself up.
func (c AppConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.GuardianSoftLimit <= 0 || c.GuardianHardLimit <= 0 {
		return fmt.Errorf("guardian soft/hard limits must be positive")
	}
	if c.GuardianSoftLimit > c.GuardianHardLimit {
		return fmt.Errorf("guardian soft limit (%d) must not exceed hard limit (%d)", c.GuardianSoftLimit, c.GuardianHardLimit)
	}
	return nil
}
