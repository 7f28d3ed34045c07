// Package config provides configuration loading and management for shopsync.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Overflow policies for the internal event bus.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowBlock      = "block"
)

// Config represents the complete shopsync configuration.
type Config struct {
	// DeviceID identifies this installation in queued operations and audit
	// entries. Defaults to the hostname when empty.
	DeviceID string         `yaml:"device_id"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Conflict ConflictConfig `yaml:"conflict"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ConflictConfig maps collections to resolution policies.
type ConflictConfig struct {
	// DefaultPolicy applies to collections absent from Policies. One of
	// SERVER_WINS, LOCAL_WINS, MERGED, MANUAL.
	DefaultPolicy string `yaml:"default_policy"`
	// Policies overrides the default per collection.
	Policies map[string]string `yaml:"policies"`
}

// RemoteConfig configures the remote document store client.
type RemoteConfig struct {
	// BaseURL is the root of the remote document API.
	BaseURL string `yaml:"base_url"`
	// AuthToken is sent as a bearer token when set.
	AuthToken string `yaml:"auth_token"`
}

// DatabaseConfig configures the local SQLite store.
type DatabaseConfig struct {
	// Dir is the directory holding the database file.
	Dir string `yaml:"dir"`
}

// SyncConfig configures the dispatcher and retry behavior.
type SyncConfig struct {
	// Workers is the dispatcher worker pool size.
	Workers int `yaml:"workers"`
	// MaxRetries is the number of retries before an operation is dead-lettered.
	MaxRetries int `yaml:"max_retries"`
	// RemoteTimeout bounds every remote store call.
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
	// BackoffInitial is the first retry delay.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `yaml:"backoff_max"`
	// BackoffJitter is the randomization factor applied to each delay (0..1).
	BackoffJitter float64 `yaml:"backoff_jitter"`
	// AgingInterval is how much queue age buys one priority level, so
	// low-priority grouped operations cannot starve forever.
	AgingInterval time.Duration `yaml:"aging_interval"`
	// Interval is how often the background scheduler triggers a sync run.
	Interval time.Duration `yaml:"interval"`
	// BatchLimit caps how many operations one sync run drains.
	BatchLimit int `yaml:"batch_limit"`
}

// EventsConfig configures the internal status event bus.
type EventsConfig struct {
	// BufferSize is the bounded channel capacity.
	BufferSize int `yaml:"buffer_size"`
	// OverflowPolicy is drop_oldest or block.
	OverflowPolicy string `yaml:"overflow_policy"`
}

// MetricsConfig configures the Prometheus endpoint of the serve command.
type MetricsConfig struct {
	// Listen is the address for the /metrics endpoint.
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Dir: "data",
		},
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8000",
		},
		Sync: SyncConfig{
			Workers:        4,
			MaxRetries:     5,
			RemoteTimeout:  30 * time.Second,
			BackoffInitial: time.Second,
			BackoffMax:     time.Hour,
			BackoffJitter:  0.2,
			AgingInterval:  time.Minute,
			Interval:       time.Minute,
			BatchLimit:     100,
		},
		Conflict: ConflictConfig{
			DefaultPolicy: "SERVER_WINS",
		},
		Events: EventsConfig{
			BufferSize:     256,
			OverflowPolicy: OverflowDropOldest,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9477",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.Dir == "" {
		return fmt.Errorf("database.dir is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.Sync.RemoteTimeout <= 0 {
		return fmt.Errorf("sync.remote_timeout must be positive")
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return fmt.Errorf("sync backoff bounds are invalid")
	}
	if c.Sync.BackoffJitter < 0 || c.Sync.BackoffJitter > 1 {
		return fmt.Errorf("sync.backoff_jitter must be within [0, 1]")
	}
	if c.Sync.AgingInterval <= 0 {
		return fmt.Errorf("sync.aging_interval must be positive")
	}
	if c.Sync.BatchLimit < 1 {
		return fmt.Errorf("sync.batch_limit must be at least 1")
	}
	if err := validPolicy(c.Conflict.DefaultPolicy); err != nil {
		return fmt.Errorf("conflict.default_policy: %w", err)
	}
	for collection, policy := range c.Conflict.Policies {
		if err := validPolicy(policy); err != nil {
			return fmt.Errorf("conflict.policies[%s]: %w", collection, err)
		}
	}
	if c.Events.BufferSize < 1 {
		return fmt.Errorf("events.buffer_size must be at least 1")
	}
	if c.Events.OverflowPolicy != OverflowDropOldest && c.Events.OverflowPolicy != OverflowBlock {
		return fmt.Errorf("events.overflow_policy must be %s or %s", OverflowDropOldest, OverflowBlock)
	}
	return nil
}

func validPolicy(policy string) error {
	switch policy {
	case "SERVER_WINS", "LOCAL_WINS", "MERGED", "MANUAL":
		return nil
	default:
		return fmt.Errorf("unknown resolution policy %q", policy)
	}
}

// LoadFromFile reads a YAML config file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return config, nil
}

// Load returns defaults overlaid with the given file, if present.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return config, config.Validate()
			}
			return nil, err
		}
		config.Merge(fileConfig)
	}

	return config, config.Validate()
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.DeviceID != "" {
		c.DeviceID = other.DeviceID
	}
	if other.Database.Dir != "" {
		c.Database.Dir = other.Database.Dir
	}
	if other.Remote.BaseURL != "" {
		c.Remote.BaseURL = other.Remote.BaseURL
	}
	if other.Remote.AuthToken != "" {
		c.Remote.AuthToken = other.Remote.AuthToken
	}
	if other.Sync.Workers != 0 {
		c.Sync.Workers = other.Sync.Workers
	}
	if other.Sync.MaxRetries != 0 {
		c.Sync.MaxRetries = other.Sync.MaxRetries
	}
	if other.Sync.RemoteTimeout != 0 {
		c.Sync.RemoteTimeout = other.Sync.RemoteTimeout
	}
	if other.Sync.BackoffInitial != 0 {
		c.Sync.BackoffInitial = other.Sync.BackoffInitial
	}
	if other.Sync.BackoffMax != 0 {
		c.Sync.BackoffMax = other.Sync.BackoffMax
	}
	if other.Sync.BackoffJitter != 0 {
		c.Sync.BackoffJitter = other.Sync.BackoffJitter
	}
	if other.Sync.AgingInterval != 0 {
		c.Sync.AgingInterval = other.Sync.AgingInterval
	}
	if other.Sync.Interval != 0 {
		c.Sync.Interval = other.Sync.Interval
	}
	if other.Sync.BatchLimit != 0 {
		c.Sync.BatchLimit = other.Sync.BatchLimit
	}
	if other.Conflict.DefaultPolicy != "" {
		c.Conflict.DefaultPolicy = other.Conflict.DefaultPolicy
	}
	if len(other.Conflict.Policies) > 0 {
		if c.Conflict.Policies == nil {
			c.Conflict.Policies = make(map[string]string)
		}
		for collection, policy := range other.Conflict.Policies {
			c.Conflict.Policies[collection] = policy
		}
	}
	if other.Events.BufferSize != 0 {
		c.Events.BufferSize = other.Events.BufferSize
	}
	if other.Events.OverflowPolicy != "" {
		c.Events.OverflowPolicy = other.Events.OverflowPolicy
	}
	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}
}
