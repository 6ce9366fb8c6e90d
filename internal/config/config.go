// Package config loads the typed process configuration. Files are JSON
// or YAML; YAML is coerced to JSON so one strict decoder (with unknown
// fields rejected) covers both.
package config

import (
	"fmt"
	"time"
)

type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Database     DatabaseConfig     `json:"database"`
	Executor     ExecutorConfig     `json:"executor"`
	HTTP         HTTPConfig         `json:"http"`
	Rescheduling ReschedulingConfig `json:"rescheduling"`
	Hub          HubConfig          `json:"hub,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

type DatabaseConfig struct {
	Path string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// MaxConnections defaults to twice the executor concurrency so
	// terminal writes never starve behind busy workers.
	MaxConnections int `json:"max_connections,omitempty"`
}

type ExecutorConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	QueueSize     int `json:"queue_size,omitempty"`

	// ShutdownGrace is how long a drain may take before in-flight
	// firings are cancelled. Go duration string; default "30s".
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

type HTTPConfig struct {
	MaxSocketsPerHost int `json:"max_sockets_per_host,omitempty"`
	MaxIdlePerHost    int `json:"max_idle_per_host,omitempty"`

	// RatePerHost throttles outbound requests per target host per
	// second. 0 disables throttling.
	RatePerHost int `json:"rate_per_host,omitempty"`
}

// ReschedulingConfig controls the periodic schedule-health sweep.
//
// Enabled is a pointer so an omitted field defaults to true while an
// explicit false still turns the controller off.
type ReschedulingConfig struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Interval  string `json:"interval,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type HubConfig struct {
	// Listen is the websocket listen address (e.g. ":8091"). Empty
	// disables the hub.
	Listen string `json:"listen,omitempty"`
}

// Defaults applied where fields are omitted or zero.
const (
	DefaultMaxConcurrent = 10
	DefaultQueueSize     = 256
	DefaultBatchSize     = 50
	DefaultShutdownGrace = 30 * time.Second
	DefaultSweepInterval = time.Hour
	DefaultDatabasePath  = "./data/chronod.db"
)

// Normalize fills defaults and validates durations. It mutates cfg.
func (c *Config) Normalize() error {
	if c.Executor.MaxConcurrent <= 0 {
		c.Executor.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Executor.QueueSize <= 0 {
		c.Executor.QueueSize = DefaultQueueSize
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Database.MaxConnections <= 0 {
		c.Database.MaxConnections = 2 * c.Executor.MaxConcurrent
	}
	if c.Rescheduling.BatchSize <= 0 {
		c.Rescheduling.BatchSize = DefaultBatchSize
	}
	if _, err := c.ShutdownGrace(); err != nil {
		return err
	}
	if _, err := c.SweepInterval(); err != nil {
		return err
	}
	if _, err := c.DatabaseBusyTimeout(); err != nil {
		return err
	}
	return nil
}

func (c *Config) ShutdownGrace() (time.Duration, error) {
	return parseDurationOrDefault("executor.shutdown_grace", c.Executor.ShutdownGrace, DefaultShutdownGrace)
}

func (c *Config) SweepInterval() (time.Duration, error) {
	return parseDurationOrDefault("rescheduling.interval", c.Rescheduling.Interval, DefaultSweepInterval)
}

func (c *Config) DatabaseBusyTimeout() (time.Duration, error) {
	return parseDurationOrDefault("database.busy_timeout", c.Database.BusyTimeout, 0)
}

// ReschedulingEnabled resolves the tri-state enabled flag.
func (c *Config) ReschedulingEnabled() bool {
	if c.Rescheduling.Enabled == nil {
		return true
	}
	return *c.Rescheduling.Enabled
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
