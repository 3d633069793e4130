package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Executor.Workers == 0 {
		cfg.Executor.Workers = 4
	}
	if cfg.Executor.ExecTimeout == 0 {
		cfg.Executor.ExecTimeout = 90 * time.Second
	}
	if cfg.Sessions.MaxPerSurface == 0 {
		cfg.Sessions.MaxPerSurface = 4
	}
	if cfg.Sessions.AcquireTimeout == 0 {
		cfg.Sessions.AcquireTimeout = 30 * time.Second
	}
	if cfg.Proxies.MaxPerSurface == 0 {
		cfg.Proxies.MaxPerSurface = 4
	}
	if cfg.Proxies.AcquireTimeout == 0 {
		cfg.Proxies.AcquireTimeout = 30 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = time.Minute
	}

	for _, s := range cfg.Surfaces {
		if s.ID == "" {
			return nil, fmt.Errorf("surface without id in config")
		}
	}

	return &cfg, nil
}
