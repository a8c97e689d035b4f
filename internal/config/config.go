// Package config loads arena configuration from YAML with environment
// overrides. Durations are YAML strings parsed with time.ParseDuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all arenad configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Arena   ArenaConfig   `yaml:"arena"`
	Logging LoggingConfig `yaml:"logging"`
	Models  []ModelConfig `yaml:"models"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	SweepInterval   string `yaml:"sweep_interval"`
}

// StoreConfig configures the shared battle store.
type StoreConfig struct {
	// Path is the SQLite database path shared by all instances.
	Path string `yaml:"path"`
	TTL  string `yaml:"ttl"`
	// AllowMemory permits the in-process store. Single-instance dev
	// mode only; multi-instance deployments must never set it.
	AllowMemory bool `yaml:"allow_memory"`
}

// ArenaConfig configures the tournament engine.
type ArenaConfig struct {
	MaxRounds        int    `yaml:"max_rounds"`
	ChallengerPolicy string `yaml:"challenger_policy"` // ordered | random
	Prefetch         bool   `yaml:"prefetch"`
	GenTimeout       string `yaml:"gen_timeout"`
	RetryBackoff     string `yaml:"retry_backoff"`
	MaxConcurrent    int64  `yaml:"max_concurrent"`
}

// LoggingConfig configures the category debug logger. The zap logger at
// the server edge is tuned by flags, not here.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// ModelConfig declares one participating model backend.
type ModelConfig struct {
	ID          string  `yaml:"id"`
	Provider    string  `yaml:"provider"` // openai | gemini | mock
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8090",
			ShutdownTimeout: "15s",
			SweepInterval:   "5m",
		},
		Store: StoreConfig{
			Path: "data/arena.db",
			TTL:  "30m",
		},
		Arena: ArenaConfig{
			MaxRounds:        3,
			ChallengerPolicy: "ordered",
			Prefetch:         true,
			GenTimeout:       "90s",
			RetryBackoff:     "2s",
			MaxConcurrent:    16,
		},
		Logging: LoggingConfig{
			Dir:   "logs",
			Level: "info",
		},
	}
}

// Load reads the config file at path, falling back to defaults for any
// field left unset, then applies ARENA_* environment overrides. A
// missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployments tweak hot knobs without editing
// the file. Only the operationally relevant ones are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARENA_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("ARENA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ARENA_STORE_TTL"); v != "" {
		cfg.Store.TTL = v
	}
	if v := os.Getenv("ARENA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ARENA_DEBUG"); v != "" {
		cfg.Logging.Debug = v == "1" || v == "true"
	}
	if v := os.Getenv("ARENA_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Arena.MaxRounds = n
		}
	}
	if v := os.Getenv("ARENA_CHALLENGER_POLICY"); v != "" {
		cfg.Arena.ChallengerPolicy = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Arena.MaxRounds < 1 {
		return fmt.Errorf("arena.max_rounds must be >= 1")
	}
	switch c.Arena.ChallengerPolicy {
	case "ordered", "random":
	default:
		return fmt.Errorf("arena.challenger_policy must be ordered or random, got %q", c.Arena.ChallengerPolicy)
	}
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d]: id required", i)
		}
		switch m.Provider {
		case "openai", "gemini", "mock":
		default:
			return fmt.Errorf("models[%d]: unknown provider %q", i, m.Provider)
		}
	}
	return nil
}

// Duration parses a duration field, returning fallback on empty or
// malformed values.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
