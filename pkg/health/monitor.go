// Package health determines instance liveness independently of
// self-reported heartbeats by actively probing each instance's health
// endpoint and writing the outcome back through the registry.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codecot/proxy-stone-sub002/pkg/config"
	pkgerrors "github.com/codecot/proxy-stone-sub002/pkg/errors"
	"github.com/codecot/proxy-stone-sub002/pkg/metrics"
	"github.com/codecot/proxy-stone-sub002/pkg/registry"
)

// probeBody is the recognized shape of a health endpoint response.
// Any 2xx with no recognizable body defaults to healthy.
type probeBody struct {
	Status string `json:"status"`
}

const maxProbeBody = 64 << 10

// Monitor runs the periodic probe loop. Per-instance probe state machines
// are independent; probes within a pass run concurrently, and a pass that
// is still running when the next tick fires overlaps it rather than
// delaying it.
type Monitor struct {
	reg     registry.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
	client  *http.Client

	interval    time.Duration
	timeout     time.Duration
	backoffBase time.Duration
	gracePeriod time.Duration
	retries     int
	concurrency int

	mu     sync.Mutex
	states map[string]*probeState

	ctx     context.Context
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
	passWg  sync.WaitGroup
	started bool
}

// probeState tracks one instance between passes. Protected by Monitor.mu.
type probeState struct {
	graceTimer *time.Timer
	lastResult registry.HealthCheckResult
}

// Options configures a Monitor.
type Options struct {
	Registry registry.Registry
	Config   config.HealthConfig
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	// Client overrides the probe HTTP client, mainly for tests.
	Client *http.Client
}

// NewMonitor builds a monitor from validated configuration.
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Config.Timeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		reg:         opts.Registry,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		client:      client,
		interval:    opts.Config.Interval,
		timeout:     opts.Config.Timeout,
		backoffBase: opts.Config.BackoffBase,
		gracePeriod: opts.Config.GracePeriod,
		retries:     opts.Config.Retries,
		concurrency: opts.Config.Concurrency,
		states:      make(map[string]*probeState),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start launches the monitoring loop. The first pass runs immediately.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.loopWg.Add(1)
	go m.run()
}

func (m *Monitor) run() {
	defer m.loopWg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
	m.spawnPass()

	for {
		select {
		case <-ticker.C:
			m.spawnPass()
		case <-m.ctx.Done():
			m.logger.Info("health monitor stopping")
			return
		}
	}
}

// spawnPass runs one full pass in its own goroutine so a slow pass never
// blocks the ticker.
func (m *Monitor) spawnPass() {
	m.passWg.Add(1)
	go func() {
		defer m.passWg.Done()
		m.runPass()
	}()
}

func (m *Monitor) runPass() {
	instances, err := m.reg.List(m.ctx, registry.Filter{})
	if err != nil {
		// Backend unavailable: log and try again on the next tick.
		m.logger.Error("health pass could not list instances", zap.Error(err))
		return
	}

	current := make(map[string]bool, len(instances))
	g := &errgroup.Group{}
	g.SetLimit(m.concurrency)
	for _, inst := range instances {
		current[inst.ID] = true
		if inst.Status == registry.StatusDisabled {
			// Operator signal outranks probing; leave it alone.
			continue
		}
		inst := inst
		g.Go(func() error {
			m.probe(inst)
			return nil
		})
	}
	_ = g.Wait()

	// Drop state for instances that left the registry during the pass.
	m.mu.Lock()
	for id, st := range m.states {
		if !current[id] {
			if st.graceTimer != nil {
				st.graceTimer.Stop()
			}
			delete(m.states, id)
		}
	}
	m.mu.Unlock()
}

// probe runs one probe cycle against one instance: up to retries attempts
// with exponential backoff, then a single status write.
func (m *Monitor) probe(inst *registry.Instance) {
	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < m.retries; attempt++ {
		attempts = attempt + 1
		status, detail, rtt, err := m.attempt(inst)
		if m.metrics != nil {
			m.metrics.ProbeDuration.Observe(rtt.Seconds())
		}
		if err == nil {
			if m.metrics != nil {
				m.metrics.ProbesTotal.WithLabelValues("success").Inc()
			}
			m.recordSuccess(inst, status, detail, rtt, attempts)
			return
		}
		lastErr = err

		if attempt < m.retries-1 {
			// 2^attempt exponential backoff between attempts.
			backoff := m.backoffBase << attempt
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return
			}
		}
	}
	if m.metrics != nil {
		m.metrics.ProbesTotal.WithLabelValues("failure").Inc()
	}
	m.recordFailure(inst, lastErr, attempts)
}

// attempt issues a single HTTP GET against the instance's health endpoint.
// The probe context is deliberately detached from the monitor's: shutdown
// lets in-flight calls finish or time out naturally, and their results are
// discarded afterwards.
func (m *Monitor) attempt(inst *registry.Instance) (registry.Status, string, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.HealthEndpoint(), nil)
	if err != nil {
		return "", "", 0, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := m.client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return "", "", rtt, fmt.Errorf("%w: %v", pkgerrors.ErrProbeFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", rtt, fmt.Errorf("%w: status %d", pkgerrors.ErrProbeFailed, resp.StatusCode)
	}

	status := registry.StatusHealthy
	var parsed probeBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch parsed.Status {
		case "draining":
			status = registry.StatusDraining
		case "starting":
			status = registry.StatusStarting
		case "healthy", "":
			status = registry.StatusHealthy
		}
	}
	return status, string(body), rtt, nil
}

// recordSuccess cancels any pending grace timer and writes the probed
// status back through the registry.
func (m *Monitor) recordSuccess(inst *registry.Instance, probed registry.Status, detail string, rtt time.Duration, attempts int) {
	if m.ctx.Err() != nil {
		// Monitor stopped while the probe was in flight; discard.
		return
	}
	now := time.Now()

	m.mu.Lock()
	st := m.state(inst.ID)
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
	st.lastResult = registry.HealthCheckResult{
		InstanceID:   inst.ID,
		Status:       probed,
		ResponseTime: rtt,
		Timestamp:    now,
		Attempts:     attempts,
		Details:      detail,
	}
	m.mu.Unlock()

	next := m.successTransition(inst.Status, probed)
	patch := registry.Patch{
		Automated: true,
		LastSeen:  &now,
		Metadata: map[string]string{
			"probe_rtt_ms":   strconv.FormatInt(rtt.Milliseconds(), 10),
			"probe_attempts": strconv.Itoa(attempts),
			"probe_error":    "",
		},
	}
	if next != inst.Status {
		patch.Status = &next
	}
	if _, err := m.reg.Update(m.ctx, inst.ID, patch); err != nil {
		m.logger.Warn("probe result write failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

// successTransition maps a successful probe onto the per-instance state
// machine. A heartbeating instance stays ACTIVE rather than ping-ponging
// between ACTIVE and HEALTHY on alternating signals.
func (m *Monitor) successTransition(current, probed registry.Status) registry.Status {
	if probed == registry.StatusDraining || probed == registry.StatusStarting {
		return probed
	}
	if current == registry.StatusActive {
		return registry.StatusActive
	}
	// STARTING, UNHEALTHY, STOPPED, INACTIVE and DRAINING all recover to
	// HEALTHY on a successful probe.
	return registry.StatusHealthy
}

// recordFailure marks the instance unhealthy after an exhausted probe cycle
// and arms the grace-period timer on the transition into UNHEALTHY.
func (m *Monitor) recordFailure(inst *registry.Instance, probeErr error, attempts int) {
	if m.ctx.Err() != nil {
		return
	}
	now := time.Now()
	errMsg := ""
	if probeErr != nil {
		errMsg = probeErr.Error()
	}

	m.mu.Lock()
	st := m.state(inst.ID)
	st.lastResult = registry.HealthCheckResult{
		InstanceID: inst.ID,
		Status:     registry.StatusUnhealthy,
		Timestamp:  now,
		Error:      errMsg,
		Attempts:   attempts,
	}
	m.mu.Unlock()

	if inst.Status == registry.StatusStopped {
		// Already believed dead; nothing to escalate.
		return
	}

	unhealthy := registry.StatusUnhealthy
	patch := registry.Patch{
		Status:    &unhealthy,
		Automated: true,
		Metadata: map[string]string{
			"probe_error":    errMsg,
			"probe_attempts": strconv.Itoa(attempts),
		},
	}
	if _, err := m.reg.Update(m.ctx, inst.ID, patch); err != nil {
		m.logger.Warn("probe result write failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}
	m.logger.Warn("instance unhealthy",
		zap.String("instance_id", inst.ID),
		zap.Int("attempts", attempts),
		zap.String("error", errMsg),
	)

	if inst.Status != registry.StatusUnhealthy {
		m.armGraceTimer(inst.ID)
	}
}

// armGraceTimer starts the one-shot UNHEALTHY -> STOPPED escalation. Any
// probe success before it fires cancels it.
func (m *Monitor) armGraceTimer(id string) {
	if m.gracePeriod <= 0 {
		m.escalateToStopped(id)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(id)
	if st.graceTimer != nil {
		return
	}
	st.graceTimer = time.AfterFunc(m.gracePeriod, func() {
		m.mu.Lock()
		if cur, ok := m.states[id]; ok {
			cur.graceTimer = nil
		}
		m.mu.Unlock()
		m.escalateToStopped(id)
	})
}

func (m *Monitor) escalateToStopped(id string) {
	if m.ctx.Err() != nil {
		return
	}
	cur, err := m.reg.Get(m.ctx, id)
	if err != nil {
		return
	}
	if cur.Status != registry.StatusUnhealthy {
		// Recovered (or was disabled) before the grace period elapsed.
		return
	}
	stopped := registry.StatusStopped
	if _, err := m.reg.Update(m.ctx, id, registry.Patch{Status: &stopped, Automated: true}); err != nil {
		m.logger.Warn("stop escalation write failed",
			zap.String("instance_id", id), zap.Error(err))
		return
	}
	m.logger.Warn("instance stopped after grace period",
		zap.String("instance_id", id),
		zap.Duration("grace_period", m.gracePeriod),
	)
}

// state returns the probe state for id, creating it if needed.
// Caller holds mu.
func (m *Monitor) state(id string) *probeState {
	st, ok := m.states[id]
	if !ok {
		st = &probeState{}
		m.states[id] = st
	}
	return st
}

// LastResult returns the most recent probe outcome for an instance.
func (m *Monitor) LastResult(id string) (registry.HealthCheckResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok || st.lastResult.InstanceID == "" {
		return registry.HealthCheckResult{}, false
	}
	return st.lastResult, true
}

// Results returns a snapshot of the latest probe outcome per instance.
func (m *Monitor) Results() map[string]registry.HealthCheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]registry.HealthCheckResult, len(m.states))
	for id, st := range m.states {
		if st.lastResult.InstanceID != "" {
			out[id] = st.lastResult
		}
	}
	return out
}

// Stop halts the loop. No new ticks fire after Stop returns; in-flight
// probes finish naturally and their results are discarded.
func (m *Monitor) Stop() {
	m.cancel()
	m.loopWg.Wait()

	m.mu.Lock()
	for _, st := range m.states {
		if st.graceTimer != nil {
			st.graceTimer.Stop()
			st.graceTimer = nil
		}
	}
	m.mu.Unlock()
}

// WaitIdle blocks until all in-flight passes have drained. Used by tests.
func (m *Monitor) WaitIdle() {
	m.passWg.Wait()
}
