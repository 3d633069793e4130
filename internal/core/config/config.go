package config

import (
	"time"

	"github.com/benthamhq/bentham/internal/core/domain"
	"github.com/benthamhq/bentham/internal/executor"
	redisclient "github.com/benthamhq/bentham/internal/infra/redis"
	"github.com/benthamhq/bentham/internal/infra/storage/postgres"
	"github.com/benthamhq/bentham/internal/orchestrator"
	"github.com/benthamhq/bentham/internal/recovery"
	"github.com/benthamhq/bentham/internal/session"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig           `yaml:"server"`
	Surfaces     []SurfaceConfig        `yaml:"surfaces"`
	Redis        redisclient.Config     `yaml:"redis"`
	Logging      LoggingConfig          `yaml:"logging"`
	Database     postgres.Config        `yaml:"database"`
	Orchestrator orchestrator.Config    `yaml:"orchestrator"`
	Executor     executor.Config        `yaml:"executor"`
	Sessions     session.PoolConfig     `yaml:"sessions"`
	Proxies      session.PoolConfig     `yaml:"proxies"`
	Gateway      GatewayConfig          `yaml:"gateway"`
	Retry        RetryConfig            `yaml:"retry"`
	Breaker      recovery.BreakerConfig `yaml:"breaker"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RetryConfig holds backoff settings for failed attempts.
type RetryConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// Policy converts the retry settings into a recovery policy, falling
// back to defaults for unset fields.
func (c RetryConfig) Policy() recovery.Policy {
	p := recovery.DefaultPolicy()
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.JitterFactor > 0 {
		p.JitterFactor = c.JitterFactor
	}
	return p
}

// SurfaceConfig holds settings for one target surface.
type SurfaceConfig struct {
	ID string `yaml:"id"`

	// Chain is the ordered failover chain of collection methods. An
	// empty chain means API only.
	Chain []domain.CollectionMethod `yaml:"chain"`

	// API configures the direct HTTP endpoint for MethodAPI.
	API APIEndpointConfig `yaml:"api"`
}

// APIEndpointConfig holds the surface's direct HTTP endpoint.
type APIEndpointConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// GatewayConfig holds the browser gateway connection shared by the
// browser-cdp and browser-proxy methods.
type GatewayConfig struct {
	Address string `yaml:"address"`
	TLS     bool   `yaml:"tls"`
}

// Chains extracts the failover chain per surface.
func (c *AppConfig) Chains() map[string][]domain.CollectionMethod {
	chains := make(map[string][]domain.CollectionMethod, len(c.Surfaces))
	for _, s := range c.Surfaces {
		if len(s.Chain) > 0 {
			chains[s.ID] = s.Chain
		}
	}
	return chains
}
