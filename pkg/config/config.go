package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codecot/proxy-stone-sub002/pkg/errors"
)

// Config holds application configuration
type Config struct {
	// Cluster membership configuration
	Cluster ClusterConfig `yaml:"cluster"`

	// Health check configuration
	Health HealthConfig `yaml:"health"`

	// Storage backend configuration
	Storage StorageConfig `yaml:"storage"`

	// Balancing strategy for instance selection
	Balancer BalancerConfig `yaml:"balancer"`

	// HTTP server configuration
	Server ServerConfig `yaml:"server"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`
}

// ClusterConfig configures the local node's cluster participation.
type ClusterConfig struct {
	ClusterID           string            `yaml:"cluster_id"`
	NodeID              string            `yaml:"node_id"`
	AdvertiseURL        string            `yaml:"advertise_url"`
	AutoRegister        bool              `yaml:"auto_register"`
	DefaultRole         string            `yaml:"default_role"`
	Tags                []string          `yaml:"tags"`
	DefaultCapabilities map[string]bool   `yaml:"default_capabilities"`
	HeartbeatInterval   time.Duration     `yaml:"heartbeat_interval"`
	NodeTimeout         time.Duration     `yaml:"node_timeout"`
	CleanupInterval     time.Duration     `yaml:"cleanup_interval"`
	LeaseTTL            time.Duration     `yaml:"lease_ttl"`
	Metadata            map[string]string `yaml:"metadata"`
}

// HealthConfig configures active probing.
type HealthConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	GracePeriod time.Duration `yaml:"grace_period"`
	Concurrency int           `yaml:"concurrency"`
}

// StorageConfig configures the registry backend.
type StorageConfig struct {
	Type        string        `yaml:"type"` // "memory" or "etcd"
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// BalancerConfig configures instance selection.
type BalancerConfig struct {
	Strategy string `yaml:"strategy"`
}

// ServerConfig configures the HTTP read surface.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every interval at its documented
// default. Callers overlay file values on top of this.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			ClusterID:         "default",
			AutoRegister:      true,
			DefaultRole:       "default",
			HeartbeatInterval: 30 * time.Second,
			NodeTimeout:       60 * time.Second,
			CleanupInterval:   5 * time.Minute,
			LeaseTTL:          60 * time.Second,
		},
		Health: HealthConfig{
			Interval:    30 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     3,
			BackoffBase: time.Second,
			GracePeriod: 60 * time.Second,
			Concurrency: 16,
		},
		Storage: StorageConfig{
			Type:        "memory",
			DialTimeout: 5 * time.Second,
		},
		Balancer: BalancerConfig{
			Strategy: "round_robin",
		},
		Server: ServerConfig{
			Address: ":8090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the yaml file at path over the defaults and validates the
// result. An empty path returns validated defaults. Durations are written
// as strings in the file ("30s", "5m") and parsed here; absent keys keep
// their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := fc.apply(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig is the on-disk shape. Scalars are pointers so an absent key is
// distinguishable from an explicit zero; durations are strings.
type fileConfig struct {
	Cluster struct {
		ClusterID           *string           `yaml:"cluster_id"`
		NodeID              *string           `yaml:"node_id"`
		AdvertiseURL        *string           `yaml:"advertise_url"`
		AutoRegister        *bool             `yaml:"auto_register"`
		DefaultRole         *string           `yaml:"default_role"`
		Tags                []string          `yaml:"tags"`
		DefaultCapabilities map[string]bool   `yaml:"default_capabilities"`
		HeartbeatInterval   *string           `yaml:"heartbeat_interval"`
		NodeTimeout         *string           `yaml:"node_timeout"`
		CleanupInterval     *string           `yaml:"cleanup_interval"`
		LeaseTTL            *string           `yaml:"lease_ttl"`
		Metadata            map[string]string `yaml:"metadata"`
	} `yaml:"cluster"`
	Health struct {
		Interval    *string `yaml:"interval"`
		Timeout     *string `yaml:"timeout"`
		Retries     *int    `yaml:"retries"`
		BackoffBase *string `yaml:"backoff_base"`
		GracePeriod *string `yaml:"grace_period"`
		Concurrency *int    `yaml:"concurrency"`
	} `yaml:"health"`
	Storage struct {
		Type        *string  `yaml:"type"`
		Endpoints   []string `yaml:"endpoints"`
		DialTimeout *string  `yaml:"dial_timeout"`
	} `yaml:"storage"`
	Balancer struct {
		Strategy *string `yaml:"strategy"`
	} `yaml:"balancer"`
	Server struct {
		Address *string `yaml:"address"`
	} `yaml:"server"`
	Logging struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
	} `yaml:"logging"`
}

func (f *fileConfig) apply(cfg *Config) error {
	setString(&cfg.Cluster.ClusterID, f.Cluster.ClusterID)
	setString(&cfg.Cluster.NodeID, f.Cluster.NodeID)
	setString(&cfg.Cluster.AdvertiseURL, f.Cluster.AdvertiseURL)
	setBool(&cfg.Cluster.AutoRegister, f.Cluster.AutoRegister)
	setString(&cfg.Cluster.DefaultRole, f.Cluster.DefaultRole)
	if f.Cluster.Tags != nil {
		cfg.Cluster.Tags = f.Cluster.Tags
	}
	if f.Cluster.DefaultCapabilities != nil {
		cfg.Cluster.DefaultCapabilities = f.Cluster.DefaultCapabilities
	}
	if f.Cluster.Metadata != nil {
		cfg.Cluster.Metadata = f.Cluster.Metadata
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
		src *string
	}{
		{"cluster.heartbeat_interval", &cfg.Cluster.HeartbeatInterval, f.Cluster.HeartbeatInterval},
		{"cluster.node_timeout", &cfg.Cluster.NodeTimeout, f.Cluster.NodeTimeout},
		{"cluster.cleanup_interval", &cfg.Cluster.CleanupInterval, f.Cluster.CleanupInterval},
		{"cluster.lease_ttl", &cfg.Cluster.LeaseTTL, f.Cluster.LeaseTTL},
		{"health.interval", &cfg.Health.Interval, f.Health.Interval},
		{"health.timeout", &cfg.Health.Timeout, f.Health.Timeout},
		{"health.backoff_base", &cfg.Health.BackoffBase, f.Health.BackoffBase},
		{"health.grace_period", &cfg.Health.GracePeriod, f.Health.GracePeriod},
		{"storage.dial_timeout", &cfg.Storage.DialTimeout, f.Storage.DialTimeout},
	} {
		if err := setDuration(d.dst, d.src, d.key); err != nil {
			return err
		}
	}
	setInt(&cfg.Health.Retries, f.Health.Retries)
	setInt(&cfg.Health.Concurrency, f.Health.Concurrency)
	setString(&cfg.Storage.Type, f.Storage.Type)
	if f.Storage.Endpoints != nil {
		cfg.Storage.Endpoints = f.Storage.Endpoints
	}
	setString(&cfg.Balancer.Strategy, f.Balancer.Strategy)
	setString(&cfg.Server.Address, f.Server.Address)
	setString(&cfg.Logging.Level, f.Logging.Level)
	setString(&cfg.Logging.Format, f.Logging.Format)
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, key string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("parse config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate rejects configurations the cluster manager must never start
// with. All failures wrap ErrInvalidConfiguration.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errors.ErrInvalidConfiguration, fmt.Sprintf(format, args...))
	}

	if c.Cluster.ClusterID == "" {
		return fail("cluster_id cannot be empty")
	}
	if c.Cluster.AutoRegister && c.Cluster.AdvertiseURL == "" {
		return fail("advertise_url is required when auto_register is enabled")
	}
	if c.Cluster.HeartbeatInterval <= 0 {
		return fail("heartbeat_interval must be positive, got %v", c.Cluster.HeartbeatInterval)
	}
	if c.Cluster.NodeTimeout <= 0 {
		return fail("node_timeout must be positive, got %v", c.Cluster.NodeTimeout)
	}
	if c.Cluster.CleanupInterval <= 0 {
		return fail("cleanup_interval must be positive, got %v", c.Cluster.CleanupInterval)
	}
	if c.Cluster.LeaseTTL <= 0 {
		return fail("lease_ttl must be positive, got %v", c.Cluster.LeaseTTL)
	}
	if c.Health.Interval <= 0 {
		return fail("health interval must be positive, got %v", c.Health.Interval)
	}
	if c.Health.Timeout <= 0 {
		return fail("health timeout must be positive, got %v", c.Health.Timeout)
	}
	if c.Health.Retries < 1 {
		return fail("retries must be at least 1, got %d", c.Health.Retries)
	}
	if c.Health.BackoffBase < 0 {
		return fail("backoff_base cannot be negative")
	}
	if c.Health.GracePeriod < 0 {
		return fail("grace_period cannot be negative")
	}
	if c.Health.Concurrency < 1 {
		return fail("concurrency must be at least 1, got %d", c.Health.Concurrency)
	}
	switch c.Balancer.Strategy {
	case "", "round_robin", "random", "least_connected":
	default:
		return fail("unknown balancing strategy %q", c.Balancer.Strategy)
	}
	switch c.Storage.Type {
	case "memory":
	case "etcd":
		if len(c.Storage.Endpoints) == 0 {
			return fail("etcd storage requires at least one endpoint")
		}
	default:
		return fail("unknown storage type %q", c.Storage.Type)
	}
	return nil
}
