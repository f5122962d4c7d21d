// Package config loads mise configuration from a YAML file with
// environment variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mise configuration.
type Config struct {
	// Workspace is the directory logs and the database live under.
	Workspace string `yaml:"workspace"`

	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	LLM      LLMConfig      `yaml:"llm"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// HeartbeatInterval keeps idle websocket subscribers alive.
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

// StoreConfig configures the session repository.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LLMConfig configures the external model.
type LLMConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// MinInterval throttles consecutive model calls.
	MinInterval string `yaml:"min_interval"`
}

// AnalysisConfig tunes pipeline execution.
type AnalysisConfig struct {
	// EnrichConcurrency caps parallel competitor enrichment calls.
	EnrichConcurrency int `yaml:"enrich_concurrency"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".",
		Server: ServerConfig{
			Addr:              ":8090",
			HeartbeatInterval: "30s",
		},
		Store: StoreConfig{
			DatabasePath: "data/mise.db",
		},
		LLM: LLMConfig{
			Model:       "gemini-2.0-flash",
			MinInterval: "1s",
		},
		Analysis: AnalysisConfig{
			EnrichConcurrency: 4,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("MISE_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if addr := os.Getenv("MISE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("MISE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if ws := os.Getenv("MISE_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
	if v := os.Getenv("MISE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Debug = b
		}
	}
}

// GetHeartbeatInterval returns the websocket heartbeat interval.
func (c *Config) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.Server.HeartbeatInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetLLMMinInterval returns the model call throttle interval.
func (c *Config) GetLLMMinInterval() time.Duration {
	d, err := time.ParseDuration(c.LLM.MinInterval)
	if err != nil || d < 0 {
		return time.Second
	}
	return d
}
