// Package config provides the configuration system for Meridian.
//
// The configuration is organized into logical sections:
//   - Server: Flight listener and authentication
//   - Pool: connection pool sizing, timeouts and retry policy
//   - Execution: batch sizing and scan timeouts
//   - Logging and Observability
//   - Datasets: the tables registered at startup
//
// Example usage:
//
//	cfg := config.NewDefault()
//	if err := config.Load("meridian.yaml", cfg); err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/meridian/pkg/logger"
)

// Config is the root configuration of a Meridian process.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Pool          PoolConfig          `yaml:"pool" json:"pool"`
	Execution     ExecutionConfig     `yaml:"execution" json:"execution"`
	Logging       logger.Config       `yaml:"logging" json:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Datasets      []DatasetConfig     `yaml:"datasets" json:"datasets"`
}

// ServerConfig configures the Flight listener.
type ServerConfig struct {
	// Address to listen on, host:port
	Address string `yaml:"address" json:"address"`
	// AuthToken enables bearer token authentication when set
	AuthToken string `yaml:"auth_token" json:"auth_token"`
	// TicketKey signs DoGet tickets; servers behind one address share it
	TicketKey string `yaml:"ticket_key" json:"ticket_key"`
	// MaxMessageSize bounds gRPC messages in bytes
	MaxMessageSize int `yaml:"max_message_size" json:"max_message_size"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// PoolConfig contains connection pool settings, shared by every backend
// unless a dataset overrides it.
type PoolConfig struct {
	// MaxSize bounds idle plus leased connections
	MaxSize int `yaml:"max_size" json:"max_size"`
	// IdleTimeout evicts idle connections lazily on the next acquire
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// AcquireTimeout is the default wait for a connection
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// ProbeOnAcquire runs a liveness probe before handing out an idle connection
	ProbeOnAcquire bool `yaml:"probe_on_acquire" json:"probe_on_acquire"`
	// ProbeTimeout bounds a single liveness probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	// RetryAttempts for connection establishment
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between attempts
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the delay between attempts
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
}

// ExecutionConfig controls query execution.
type ExecutionConfig struct {
	// BatchSize is the number of rows per record batch produced by adapters
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// ScanTimeout bounds a single backend scan (0 = none)
	ScanTimeout time.Duration `yaml:"scan_timeout" json:"scan_timeout"`
}

// ObservabilityConfig contains metrics and tracing settings.
type ObservabilityConfig struct {
	// MetricsAddress serves Prometheus metrics when set
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address"`
	// Tracing enables the stdout span exporter
	Tracing bool `yaml:"tracing" json:"tracing"`
	// TraceSampleRate samples root spans; 0 or 1 keeps all of them
	TraceSampleRate float64 `yaml:"trace_sample_rate" json:"trace_sample_rate"`
}

// DatasetConfig describes one federated table.
type DatasetConfig struct {
	// Name is the logical dataset name used in plans and Flight descriptors
	Name string `yaml:"name" json:"name"`
	// Kind selects the connector (postgres, mysql, sqlite, snowflake, duckdb, bigquery, mongodb, objectstore, memory)
	Kind string `yaml:"kind" json:"kind"`
	// Address is host:port for network backends, or a path for embedded ones
	Address string `yaml:"address" json:"address"`
	// DSN is a driver connection string; takes precedence over Address
	DSN string `yaml:"dsn" json:"dsn"`
	// Table is the backend object to expose
	Table string `yaml:"table" json:"table"`
	// Query exposes an arbitrary native query instead of a table
	Query string `yaml:"query" json:"query"`
	// Credentials are folded into the backend identity fingerprint
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
	// Capabilities narrows the connector's push-down set (empty = all it supports)
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	// Options are connector specific settings
	Options map[string]string `yaml:"options" json:"options"`
	// Pool overrides the global pool settings for this backend
	Pool *PoolConfig `yaml:"pool" json:"pool"`
	// ScanTimeout overrides Execution.ScanTimeout for this backend
	ScanTimeout time.Duration `yaml:"scan_timeout" json:"scan_timeout"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1:8815",
			MaxMessageSize:  64 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Pool:      DefaultPoolConfig(),
		Execution: ExecutionConfig{BatchSize: 1024},
		Logging:   logger.Config{Level: "info", Encoding: "json"},
	}
}

// DefaultPoolConfig returns the default pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:         8,
		IdleTimeout:     5 * time.Minute,
		AcquireTimeout:  30 * time.Second,
		ProbeOnAcquire:  true,
		ProbeTimeout:    2 * time.Second,
		ConnectTimeout:  10 * time.Second,
		RetryAttempts:   3,
		RetryDelay:      200 * time.Millisecond,
		RetryMultiplier: 2.0,
		MaxRetryDelay:   5 * time.Second,
	}
}

// PoolFor returns the effective pool settings for a dataset.
func (c *Config) PoolFor(ds DatasetConfig) PoolConfig {
	if ds.Pool != nil {
		return *ds.Pool
	}
	return c.Pool
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if c.Execution.BatchSize <= 0 {
		return fmt.Errorf("execution.batch_size must be positive")
	}

	seen := make(map[string]bool, len(c.Datasets))
	for i, ds := range c.Datasets {
		if err := ds.Validate(); err != nil {
			return fmt.Errorf("datasets[%d]: %w", i, err)
		}
		key := strings.ToLower(ds.Name)
		if seen[key] {
			return fmt.Errorf("datasets[%d]: duplicate dataset name %q", i, ds.Name)
		}
		seen[key] = true
	}
	return nil
}

// Validate validates pool settings
func (p PoolConfig) Validate() error {
	if p.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive")
	}
	if p.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}
	if p.RetryMultiplier != 0 && p.RetryMultiplier < 1 {
		return fmt.Errorf("retry_multiplier must be >= 1")
	}
	if p.AcquireTimeout < 0 || p.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// Validate validates a dataset description
func (d DatasetConfig) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if d.Table == "" && d.Query == "" && d.Kind != "memory" && d.Kind != "objectstore" {
		return fmt.Errorf("one of table or query is required")
	}
	if d.Table != "" && d.Query != "" {
		return fmt.Errorf("table and query are mutually exclusive")
	}
	if d.Pool != nil {
		if err := d.Pool.Validate(); err != nil {
			return fmt.Errorf("pool: %w", err)
		}
	}
	return nil
}
