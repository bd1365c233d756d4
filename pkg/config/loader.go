package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/b/revmux/pkg/paths"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadOrDefault loads the config file if it exists, otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		var cfg Config
		applyDefaults(&cfg)
		return &cfg, nil
	}
	return LoadConfig(path)
}

// SaveConfig writes the config to the specified path
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.CleanupInterval <= 0 {
		cfg.Listen.CleanupInterval = 30
	}
	if cfg.Session.MaxReconnectAttempts <= 0 {
		cfg.Session.MaxReconnectAttempts = 3
	}
	if cfg.Session.OutputQueueSize <= 0 {
		cfg.Session.OutputQueueSize = 256
	}
	if cfg.Stabilizer.StepDelayMillis <= 0 {
		cfg.Stabilizer.StepDelayMillis = 400
	}
	if cfg.Stabilizer.TermType == "" {
		cfg.Stabilizer.TermType = "xterm-256color"
	}
	if len(cfg.Stabilizer.Interpreters) == 0 {
		cfg.Stabilizer.Interpreters = []string{"python3", "python"}
	}
	if cfg.Snapshot.Path == "" {
		cfg.Snapshot.Path = paths.StatePath("sessions.json")
	}
	if cfg.Audit.LogPath == "" {
		cfg.Audit.LogPath = paths.StatePath("audit.jsonl")
	}
}
