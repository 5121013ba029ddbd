package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all conveyor configuration.
// Priority: env vars > settings.json > defaults. CLI flags override
// per-invocation on top of that.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	MaxConcurrency  int    `json:"max_concurrency"`
	WorkDir         string `json:"work_dir"`
	DefaultShell    string `json:"default_shell"`
	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`
	History         bool   `json:"history"`
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(conveyorDir(), "conveyor.db"),
		LogLevel:       "info",
		MaxConcurrency: 4,
		DefaultShell:   "bash",
		History:        true,
	}
}

func conveyorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".conveyor")
}

func settingsPath() string {
	return filepath.Join(conveyorDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONVEYOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONVEYOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVEYOR_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("CONVEYOR_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("CONVEYOR_DEFAULT_SHELL"); v != "" {
		cfg.DefaultShell = v
	}
	if v := os.Getenv("CONVEYOR_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("CONVEYOR_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("CONVEYOR_HISTORY"); v != "" {
		cfg.History = v == "true" || v == "1"
	}

	return cfg
}
