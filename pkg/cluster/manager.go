// Package cluster orchestrates the local node's cluster participation:
// self-registration, heartbeat emission, stale-node cleanup and the
// aggregate health view.
package cluster

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codecot/proxy-stone-sub002/pkg/balancer"
	"github.com/codecot/proxy-stone-sub002/pkg/config"
	"github.com/codecot/proxy-stone-sub002/pkg/errors"
	"github.com/codecot/proxy-stone-sub002/pkg/health"
	"github.com/codecot/proxy-stone-sub002/pkg/metrics"
	"github.com/codecot/proxy-stone-sub002/pkg/registry"
)

// staleEvictionMultiplier scales the node timeout into the staleness
// threshold the cleanup sweep evicts at.
const staleEvictionMultiplier = 10

// Manager ties the registry and the health monitor together and runs the
// three periodic tasks: heartbeat, health pass (delegated to the monitor)
// and cleanup sweep. Heartbeat staleness and probe failure are independent
// signals; a node that stops heartbeating but still answers probes, or
// vice versa, is caught either way.
type Manager struct {
	cfg      *config.Config
	reg      registry.Registry
	monitor  *health.Monitor
	balancer balancer.Balancer
	logger   *zap.Logger
	metrics  *metrics.Metrics

	selfID    string
	startedAt time.Time
	draining  atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unwatch func()

	initOnce sync.Once
	stopOnce sync.Once
}

// Options configures a Manager.
type Options struct {
	Config   *config.Config
	Registry registry.Registry
	Monitor  *health.Monitor
	Balancer balancer.Balancer
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewManager validates configuration and builds the manager. Invalid
// configuration is fatal here: monitoring never starts with it.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: config is required", errors.ErrInvalidConfiguration)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("health monitor is required")
	}
	if opts.Balancer == nil {
		opts.Balancer = balancer.NewRoundRobin()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       opts.Config,
		reg:       opts.Registry,
		monitor:   opts.Monitor,
		balancer:  opts.Balancer,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Initialize self-registers the local node (when auto_register is on) and
// starts the heartbeat, health-monitoring and cleanup tasks.
func (m *Manager) Initialize(ctx context.Context) error {
	var initErr error
	m.initOnce.Do(func() {
		if m.cfg.Cluster.AutoRegister {
			if err := m.registerSelf(ctx); err != nil {
				initErr = err
				return
			}
		}

		if m.metrics != nil {
			m.unwatch = m.reg.Watch(func(ev registry.MembershipEvent) {
				m.metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
			})
		}

		m.monitor.Start()

		m.wg.Add(2)
		go m.heartbeatLoop()
		go m.cleanupLoop()

		m.logger.Info("cluster manager initialized",
			zap.String("cluster_id", m.cfg.Cluster.ClusterID),
			zap.String("node_id", m.selfID),
			zap.Bool("auto_register", m.cfg.Cluster.AutoRegister),
		)
	})
	return initErr
}

func (m *Manager) registerSelf(ctx context.Context) error {
	meta := map[string]string{
		"started_at": m.startedAt.Format(time.RFC3339),
	}
	for k, v := range m.cfg.Cluster.Metadata {
		meta[k] = v
	}
	self := &registry.Instance{
		ID:           m.cfg.Cluster.NodeID,
		URL:          m.cfg.Cluster.AdvertiseURL,
		HealthURL:    strings.TrimRight(m.cfg.Cluster.AdvertiseURL, "/") + "/healthz",
		ClusterID:    m.cfg.Cluster.ClusterID,
		Role:         registry.Role(m.cfg.Cluster.DefaultRole),
		Tags:         m.cfg.Cluster.Tags,
		Capabilities: m.cfg.Cluster.DefaultCapabilities,
		Status:       registry.StatusActive,
		Metadata:     meta,
		TTL:          m.cfg.Cluster.LeaseTTL,
	}
	stored, err := m.reg.Register(ctx, self)
	if err != nil {
		return fmt.Errorf("self-registration: %w", err)
	}
	m.selfID = stored.ID
	return nil
}

// SelfID returns the local instance id, empty when not self-registered.
func (m *Manager) SelfID() string {
	return m.selfID
}

// IsDraining reports whether shutdown has begun. The local health endpoint
// answers "draining" once this flips.
func (m *Manager) IsDraining() bool {
	return m.draining.Load()
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Cluster.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.heartbeat()
		case <-m.ctx.Done():
			return
		}
	}
}

// heartbeat republishes the local node's liveness and live process metrics.
// The status write is automated, so an operator disable of the local node
// sticks no matter when it lands. Failures are logged, not retried inline;
// the next tick tries again.
func (m *Manager) heartbeat() {
	if m.selfID == "" {
		return
	}
	now := time.Now()
	active := registry.StatusActive
	patch := registry.Patch{
		Status:    &active,
		Automated: true,
		LastSeen:  &now,
		Metadata:  m.liveMetrics(),
	}

	if _, err := m.reg.Update(m.ctx, m.selfID, patch); err != nil {
		m.logger.Warn("heartbeat update failed", zap.Error(err))
		return
	}
	if err := m.reg.RenewLease(m.ctx, m.selfID); err != nil {
		m.logger.Warn("lease renewal failed", zap.Error(err))
	}
}

// liveMetrics samples the local process at call time.
func (m *Manager) liveMetrics() map[string]string {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]string{
		"memory_used":  strconv.FormatUint(ms.Alloc, 10),
		"memory_total": strconv.FormatUint(ms.Sys, 10),
		"goroutines":   strconv.Itoa(runtime.NumGoroutine()),
		"uptime_s":     strconv.FormatFloat(time.Since(m.startedAt).Seconds(), 'f', 0, 64),
	}
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Cluster.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupSweep(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

// CleanupSweep deregisters instances whose last sign of life is older than
// staleEvictionMultiplier times the node timeout. DISABLED instances are
// never evicted: the operator put them there on purpose. This sweep is the
// only place instances are deleted purely on staleness.
func (m *Manager) CleanupSweep(ctx context.Context) {
	instances, err := m.reg.List(ctx, registry.Filter{})
	if err != nil {
		m.logger.Error("cleanup sweep could not list instances", zap.Error(err))
		return
	}
	threshold := time.Duration(staleEvictionMultiplier) * m.cfg.Cluster.NodeTimeout
	now := time.Now()
	for _, inst := range instances {
		if inst.Status == registry.StatusDisabled {
			continue
		}
		if age := now.Sub(inst.LastSeen); age > threshold {
			m.logger.Info("evicting stale instance",
				zap.String("instance_id", inst.ID),
				zap.Duration("stale_for", age),
			)
			if err := m.reg.Deregister(ctx, inst.ID); err != nil {
				m.logger.Warn("stale eviction failed",
					zap.String("instance_id", inst.ID), zap.Error(err))
			}
		}
	}
}

// ClusterHealth returns the aggregate view of the local cluster. Instances
// with stale data are reported with their last-known status, never omitted.
// A heartbeat-stale ACTIVE is reported INACTIVE and that transition is
// persisted so it is not re-derived on every read.
func (m *Manager) ClusterHealth(ctx context.Context) (*ClusterHealthResponse, error) {
	instances, err := m.reg.List(ctx, registry.Filter{ClusterID: m.cfg.Cluster.ClusterID})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	now := time.Now()
	resp := &ClusterHealthResponse{
		Nodes:       make([]NodeHealthStatus, 0, len(instances)),
		LastUpdated: now,
	}
	for _, inst := range instances {
		effective := EffectiveStatus(inst, now, m.cfg.Cluster.NodeTimeout)
		if effective != inst.Status {
			inactive := effective
			if _, err := m.reg.Update(ctx, inst.ID, registry.Patch{Status: &inactive, Automated: true}); err != nil {
				m.logger.Warn("persisting derived status failed",
					zap.String("instance_id", inst.ID), zap.Error(err))
			}
		}

		resp.TotalNodes++
		switch effective {
		case registry.StatusActive, registry.StatusHealthy:
			resp.ActiveNodes++
		case registry.StatusUnhealthy, registry.StatusStopped:
			resp.UnhealthyNodes++
		case registry.StatusDisabled:
			resp.DisabledNodes++
		default:
			// starting, draining and inactive are all out of service
			resp.InactiveNodes++
		}
		resp.Nodes = append(resp.Nodes, nodeView(inst, effective, now))
	}

	if m.metrics != nil {
		m.metrics.NodesByStatus.Reset()
		for _, n := range resp.Nodes {
			m.metrics.NodesByStatus.WithLabelValues(string(n.Status)).Inc()
		}
	}
	return resp, nil
}

// CurrentNodeStatus returns the local record enriched with process metrics
// gathered at call time, not from storage.
func (m *Manager) CurrentNodeStatus(ctx context.Context) (*NodeHealthStatus, error) {
	if m.selfID == "" {
		return nil, fmt.Errorf("local node is not registered")
	}
	inst, err := m.reg.Get(ctx, m.selfID)
	if err != nil {
		return nil, err
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	now := time.Now()
	view := nodeView(inst, EffectiveStatus(inst, now, m.cfg.Cluster.NodeTimeout), now)
	view.Uptime = time.Since(m.startedAt).Seconds()
	view.MemoryUsage = MemoryUsage{
		Used:       ms.Alloc,
		Total:      ms.Sys,
		Percentage: float64(ms.Alloc) / float64(ms.Sys) * 100,
	}
	return &view, nil
}

// SelectInstance picks one in-service instance, optionally narrowed by tag,
// using the configured balancing strategy.
func (m *Manager) SelectInstance(ctx context.Context, tag string) (*registry.Instance, error) {
	instances, err := m.reg.List(ctx, registry.Filter{ClusterID: m.cfg.Cluster.ClusterID, Tag: tag})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	now := time.Now()
	inService := instances[:0]
	for _, inst := range instances {
		switch EffectiveStatus(inst, now, m.cfg.Cluster.NodeTimeout) {
		case registry.StatusActive, registry.StatusHealthy:
			inService = append(inService, inst)
		}
	}
	return m.balancer.Select(ctx, inService)
}

// Shutdown stops all periodic tasks, marks the local instance INACTIVE
// (best-effort) and closes the watch subscription. No new ticks fire once
// it begins; in-flight probes are left to finish on their own.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.draining.Store(true)
		m.cancel()
		m.wg.Wait()
		m.monitor.Stop()

		if m.selfID != "" {
			inactive := registry.StatusInactive
			if _, err := m.reg.Update(ctx, m.selfID, registry.Patch{Status: &inactive}); err != nil {
				m.logger.Warn("could not mark local instance inactive", zap.Error(err))
			}
		}
		if m.unwatch != nil {
			m.unwatch()
		}
		m.logger.Info("cluster manager stopped")
	})
}
