package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds all tokenflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	TimerPoll string `json:"timer_poll"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(tokenflowDir(), "tokenflow.db"),
		LogLevel:  "info",
		TimerPoll: "1s",
	}
}

func tokenflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tokenflow"
	}
	return filepath.Join(home, ".tokenflow")
}

func settingsPath() string {
	return filepath.Join(tokenflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TOKENFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TOKENFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TOKENFLOW_TIMER_POLL"); v != "" {
		cfg.TimerPoll = v
	}

	return cfg
}

// timerPoll parses the poll interval, falling back to one second.
func (c Config) timerPoll() time.Duration {
	d, err := time.ParseDuration(c.TimerPoll)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}
