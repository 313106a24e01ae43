package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all angela configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	PoolSize       int    `json:"pool_size"`
	WorkDir        string `json:"work_dir"`
	SandboxTimeout int    `json:"sandbox_timeout"` // seconds
	Scheduler      bool   `json:"scheduler"`
	UnsafeCommands bool   `json:"unsafe_commands"` // disable the command safety gate

	// VaultKey is never written to settings.json; it comes from the
	// environment only.
	VaultKey string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(angelaDir(), "angela.db"),
		LogLevel:       "info",
		PoolSize:       4,
		SandboxTimeout: 30,
	}
}

func angelaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".angela"
	}
	return filepath.Join(home, ".angela")
}

func settingsPath() string {
	return filepath.Join(angelaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ANGELA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ANGELA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ANGELA_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("ANGELA_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("ANGELA_SANDBOX_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SandboxTimeout = n
		}
	}
	if v := os.Getenv("ANGELA_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("ANGELA_UNSAFE_COMMANDS"); v != "" {
		cfg.UnsafeCommands = v == "true" || v == "1"
	}
	cfg.VaultKey = os.Getenv("ANGELA_VAULT_KEY")

	return cfg
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
