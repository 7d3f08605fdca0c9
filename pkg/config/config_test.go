package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecot/proxy-stone-sub002/pkg/config"
	"github.com/codecot/proxy-stone-sub002/pkg/errors"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "default", cfg.Cluster.ClusterID)
	assert.Equal(t, 30*time.Second, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Cluster.NodeTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Cluster.CleanupInterval)
	assert.Equal(t, 60*time.Second, cfg.Cluster.LeaseTTL)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, 3, cfg.Health.Retries)
	assert.Equal(t, 60*time.Second, cfg.Health.GracePeriod)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "round_robin", cfg.Balancer.Strategy)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cluster:
  cluster_id: edge-eu
  node_id: node-1
  advertise_url: http://10.0.0.5:8080
  heartbeat_interval: 10s
  tags: [cache, edge]
health:
  interval: 15s
  retries: 5
storage:
  type: etcd
  endpoints: ["127.0.0.1:2379"]
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-eu", cfg.Cluster.ClusterID)
	assert.Equal(t, "node-1", cfg.Cluster.NodeID)
	assert.Equal(t, 10*time.Second, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t, []string{"cache", "edge"}, cfg.Cluster.Tags)
	assert.Equal(t, 15*time.Second, cfg.Health.Interval)
	assert.Equal(t, 5, cfg.Health.Retries)
	assert.Equal(t, "etcd", cfg.Storage.Type)

	// Untouched fields keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Cluster.NodeTimeout)
	assert.Equal(t, 5*time.Second, cfg.Health.Timeout)
	assert.Equal(t, ":8090", cfg.Server.Address)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster:\n  heartbeat_interval: fast\n"), 0o644))
	_, err := config.Load(path)
	assert.ErrorContains(t, err, "heartbeat_interval")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Cluster.ClusterID)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty cluster id", func(c *config.Config) { c.Cluster.ClusterID = "" }},
		{"auto register without advertise url", func(c *config.Config) {
			c.Cluster.AutoRegister = true
			c.Cluster.AdvertiseURL = ""
		}},
		{"zero heartbeat interval", func(c *config.Config) { c.Cluster.HeartbeatInterval = 0 }},
		{"negative node timeout", func(c *config.Config) { c.Cluster.NodeTimeout = -time.Second }},
		{"zero cleanup interval", func(c *config.Config) { c.Cluster.CleanupInterval = 0 }},
		{"zero lease ttl", func(c *config.Config) { c.Cluster.LeaseTTL = 0 }},
		{"zero health interval", func(c *config.Config) { c.Health.Interval = 0 }},
		{"zero probe timeout", func(c *config.Config) { c.Health.Timeout = 0 }},
		{"zero retries", func(c *config.Config) { c.Health.Retries = 0 }},
		{"negative backoff", func(c *config.Config) { c.Health.BackoffBase = -time.Second }},
		{"negative grace period", func(c *config.Config) { c.Health.GracePeriod = -time.Second }},
		{"zero concurrency", func(c *config.Config) { c.Health.Concurrency = 0 }},
		{"unknown balancing strategy", func(c *config.Config) { c.Balancer.Strategy = "fastest" }},
		{"unknown storage type", func(c *config.Config) { c.Storage.Type = "redis" }},
		{"etcd without endpoints", func(c *config.Config) {
			c.Storage.Type = "etcd"
			c.Storage.Endpoints = nil
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, errors.ErrInvalidConfiguration)
		})
	}
}

func TestValidateAllowsZeroGracePeriod(t *testing.T) {
	cfg := config.Default()
	cfg.Health.GracePeriod = 0
	assert.NoError(t, cfg.Validate())
}
