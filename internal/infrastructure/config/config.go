package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Service   ServiceConfig
	Probes    ProbesConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"TRACED_PORT" default:"8090"`
	Host string `envconfig:"TRACED_HOST" default:"127.0.0.1"`

	CORSOrigins     []string      `envconfig:"TRACED_CORS_ORIGINS" default:"*"`
	CallTimeout     time.Duration `envconfig:"TRACED_CALL_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"TRACED_SHUTDOWN_TIMEOUT" default:"10s"`
}

// ServiceConfig holds tracing service limits.
type ServiceConfig struct {
	ShmBackend     string `envconfig:"TRACED_SHM_BACKEND" default:"heap"`
	ShmPageSize    int    `envconfig:"TRACED_SHM_PAGE_SIZE" default:"16384"`
	ShmDefaultSize int    `envconfig:"TRACED_SHM_DEFAULT_SIZE" default:"262144"`
	ShmMaxSize     int    `envconfig:"TRACED_SHM_MAX_SIZE" default:"33554432"`

	BufferPageSize int `envconfig:"TRACED_BUFFER_PAGE_SIZE" default:"4096"`
	MaxBufferSize  int `envconfig:"TRACED_MAX_BUFFER_SIZE" default:"268435456"`
	MaxBuffers     int `envconfig:"TRACED_MAX_BUFFERS" default:"65535"`

	NotifyRate  float64 `envconfig:"TRACED_NOTIFY_RATE" default:"100"`
	NotifyBurst int     `envconfig:"TRACED_NOTIFY_BURST" default:"20"`

	ReadBatchBytes int `envconfig:"TRACED_READ_BATCH_BYTES" default:"131072"`

	QuarantineFailures uint32        `envconfig:"TRACED_QUARANTINE_FAILURES" default:"5"`
	QuarantineTimeout  time.Duration `envconfig:"TRACED_QUARANTINE_TIMEOUT" default:"30s"`
}

// ProbesConfig controls the built-in producers.
type ProbesConfig struct {
	StatsEnabled  bool          `envconfig:"TRACED_PROBE_STATS_ENABLED" default:"true"`
	StatsInterval time.Duration `envconfig:"TRACED_PROBE_STATS_INTERVAL" default:"1s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"TRACED_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"TRACED_LOG_DEV" default:"false"`
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"TRACED_RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"TRACED_RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"TRACED_RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from TRACED_ environment variables.
func Load() (*Config, error) {
	var cfg Config
	// Variables are looked up by their tag name, TRACED_PORT rather than
	// SERVER_TRACED_PORT.
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8090",
			Host:            "127.0.0.1",
			CORSOrigins:     []string{"*"},
			CallTimeout:     10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Service: ServiceConfig{
			ShmBackend:         "heap",
			ShmPageSize:        16 << 10,
			ShmDefaultSize:     256 << 10,
			ShmMaxSize:         32 << 20,
			BufferPageSize:     4096,
			MaxBufferSize:      256 << 20,
			MaxBuffers:         65535,
			NotifyRate:         100,
			NotifyBurst:        20,
			ReadBatchBytes:     128 << 10,
			QuarantineFailures: 5,
			QuarantineTimeout:  30 * time.Second,
		},
		Probes: ProbesConfig{
			StatsEnabled:  true,
			StatsInterval: time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	s := c.Service
	var errs []error
	switch s.ShmBackend {
	case "heap", "memfd":
	default:
		errs = append(errs, fmt.Errorf("SHM_BACKEND must be heap or memfd, got %q", s.ShmBackend))
	}
	if s.ShmPageSize <= 0 || s.ShmPageSize%8 != 0 {
		errs = append(errs, fmt.Errorf("SHM_PAGE_SIZE must be a positive multiple of 8, got %d", s.ShmPageSize))
	}
	if s.ShmMaxSize < s.ShmPageSize || s.ShmDefaultSize > s.ShmMaxSize {
		errs = append(errs, fmt.Errorf("need SHM_PAGE_SIZE <= SHM_DEFAULT_SIZE <= SHM_MAX_SIZE"))
	}
	if s.BufferPageSize <= 0 {
		errs = append(errs, fmt.Errorf("BUFFER_PAGE_SIZE must be positive, got %d", s.BufferPageSize))
	}
	if s.MaxBuffers <= 0 || s.MaxBuffers > 65535 {
		errs = append(errs, fmt.Errorf("MAX_BUFFERS must be in [1, 65535], got %d", s.MaxBuffers))
	}
	if s.NotifyRate <= 0 || s.NotifyBurst <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_RATE and NOTIFY_BURST must be positive"))
	}
	if s.ReadBatchBytes <= 0 {
		errs = append(errs, fmt.Errorf("READ_BATCH_BYTES must be positive, got %d", s.ReadBatchBytes))
	}
	if c.Probes.StatsEnabled && c.Probes.StatsInterval <= 0 {
		errs = append(errs, fmt.Errorf("PROBE_STATS_INTERVAL must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
