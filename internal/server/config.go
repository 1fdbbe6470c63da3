// Package server provides configuration helpers that define runtime defaults
// and validation for the chat relay service.
package server

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the relay configuration, including the origin allow-list,
// heartbeat cadences and the persistence settings.
type Config struct {
	Port           string   `envconfig:"PORT" default:":8080"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`

	MongoURI        string `envconfig:"MONGODB_URI"`
	MongoDatabase   string `envconfig:"MONGODB_DATABASE" default:"chatrelay"`
	MongoCollection string `envconfig:"MONGODB_COLLECTION" default:"messages"`

	// PingInterval is the liveness probe cadence; EvictionInterval is the
	// dead-connection sweep cadence. They are deliberately distinct so a
	// connection survives at least one full probe round trip.
	PingInterval     time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	EvictionInterval time.Duration `envconfig:"EVICTION_INTERVAL" default:"60s"`

	StoreWriteTimeout time.Duration `envconfig:"STORE_WRITE_TIMEOUT" default:"2500ms"`
	HistoryLimit      int           `envconfig:"HISTORY_LIMIT" default:"50"`

	MaxMessageSize          int64         `envconfig:"MAX_MESSAGE_SIZE" default:"4096"`
	RateLimitBurst          int           `envconfig:"RATE_LIMIT_BURST" default:"5"`
	RateLimitRefillInterval time.Duration `envconfig:"RATE_LIMIT_REFILL_INTERVAL" default:"1s"`

	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Port:                    ":8080",
		AllowedOrigins:          []string{"http://localhost:8080"},
		MongoDatabase:           "chatrelay",
		MongoCollection:         "messages",
		PingInterval:            30 * time.Second,
		EvictionInterval:        60 * time.Second,
		StoreWriteTimeout:       2500 * time.Millisecond,
		HistoryLimit:            50,
		MaxMessageSize:          4096,
		RateLimitBurst:          5,
		RateLimitRefillInterval: time.Second,
		LogLevel:                "info",
		ShutdownTimeout:         10 * time.Second,
	}
}

// NewConfigFromEnv creates a Config from environment variables, falling back
// to defaults for anything unset.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.sanitize()
	return &cfg, nil
}

// RateLimit returns the per-connection rate limit parameters.
func (c *Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{
		Burst:          c.RateLimitBurst,
		RefillInterval: c.RateLimitRefillInterval,
	}
}

// sanitize clamps invalid values back to their defaults so a bad environment
// never produces a zero probe interval or an unbounded write.
func (c *Config) sanitize() {
	def := NewConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.EvictionInterval < c.PingInterval {
		c.EvictionInterval = def.EvictionInterval
		if c.EvictionInterval < c.PingInterval {
			c.EvictionInterval = 2 * c.PingInterval
		}
	}
	if c.StoreWriteTimeout <= 0 {
		c.StoreWriteTimeout = def.StoreWriteTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = def.RateLimitBurst
	}
	if c.RateLimitRefillInterval <= 0 {
		c.RateLimitRefillInterval = def.RateLimitRefillInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}
