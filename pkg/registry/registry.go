package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codecot/proxy-stone-sub002/pkg/errors"
	"github.com/codecot/proxy-stone-sub002/pkg/storage"
)

const keyPrefix = "/instances/"

// LeaseRegistry implements Registry on top of a lease+watch storage backend.
// It keeps a synchronized local view of all records; the backend provides
// durability, lease expiry and cross-process visibility. Lease expiry
// surfaces as a delete watch event, which the registry converts into a
// DEREGISTERED membership event.
type LeaseRegistry struct {
	backend storage.Backend
	logger  *zap.Logger

	// mu linearizes all read-modify-write sequences on instance records.
	// Heartbeats, probe results and explicit updates race on the same id;
	// this is the single choke point the invariants rely on.
	mu        sync.Mutex
	instances map[string]*Instance
	// pendingEcho counts backend put events this process caused itself;
	// the watch loop swallows exactly that many so local operations are
	// never re-applied (or re-emitted) when their own writes echo back.
	pendingEcho map[string]int

	listenerMu   sync.RWMutex
	listeners    map[int]Listener
	nextListener int

	// emitMu serializes event delivery. Every mutating operation acquires
	// it for its whole critical section, so delivery order can never
	// diverge from the order the operations were applied in.
	emitMu sync.Mutex

	leaseTTL      time.Duration
	initialStatus Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a LeaseRegistry.
type Option func(*LeaseRegistry)

// WithLeaseTTL overrides the default 60s lease TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(r *LeaseRegistry) {
		r.leaseTTL = ttl
	}
}

// WithInitialStatus sets the status assigned to registrations that carry
// none. Defaults to StatusStarting.
func WithInitialStatus(s Status) Option {
	return func(r *LeaseRegistry) {
		r.initialStatus = s
	}
}

// NewLeaseRegistry builds a registry over the given backend, loads any
// records already present under the instance prefix, and starts the
// backend watch loop.
func NewLeaseRegistry(backend storage.Backend, logger *zap.Logger, opts ...Option) (*LeaseRegistry, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &LeaseRegistry{
		backend:       backend,
		logger:        logger,
		instances:     make(map[string]*Instance),
		pendingEcho:   make(map[string]int),
		listeners:     make(map[int]Listener),
		leaseTTL:      60 * time.Second,
		initialStatus: StatusStarting,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.loadExisting(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("load existing instances: %w", err)
	}

	r.wg.Add(1)
	go r.watchBackend()

	return r, nil
}

// Register implements Registry.
func (r *LeaseRegistry) Register(ctx context.Context, in *Instance) (*Instance, error) {
	if in == nil {
		return nil, fmt.Errorf("instance cannot be nil")
	}
	if in.URL == "" {
		return nil, fmt.Errorf("instance URL cannot be empty")
	}
	if in.Status != "" && !in.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", in.Status)
	}

	stored := in.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.ClusterID == "" {
		stored.ClusterID = "default"
	}
	if stored.Role == "" {
		stored.Role = RoleDefault
	}
	if stored.Status == "" {
		stored.Status = r.initialStatus
	}
	if stored.TTL == 0 {
		stored.TTL = r.leaseTTL
	}
	if stored.Metadata == nil {
		stored.Metadata = make(map[string]string)
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	now := time.Now()
	if existing, ok := r.instances[stored.ID]; ok {
		// Re-registration overwrites in place; CreatedAt is immutable.
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.LastSeen = now

	value, err := json.Marshal(stored)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	lease, err := r.backend.PutWithLease(ctx, r.key(stored), string(value), stored.TTL)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("store instance %s: %w", stored.ID, err)
	}
	stored.LeaseID = int64(lease)
	r.instances[stored.ID] = stored
	r.pendingEcho[stored.ID]++
	r.mu.Unlock()

	r.logger.Info("instance registered",
		zap.String("instance_id", stored.ID),
		zap.String("cluster_id", stored.ClusterID),
		zap.String("url", stored.URL),
		zap.Duration("ttl", stored.TTL),
	)
	r.emit(MembershipEvent{
		Type:       EventRegistered,
		InstanceID: stored.ID,
		Instance:   stored.Clone(),
		Timestamp:  now,
	})
	return stored.Clone(), nil
}

// Deregister implements Registry. Deregistering an unknown id is a no-op.
func (r *LeaseRegistry) Deregister(ctx context.Context, id string) error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := r.backend.Delete(ctx, r.key(inst)); err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	inst, ok = r.removeLocal(id)
	if !ok {
		// The watch loop raced us and already emitted.
		return nil
	}
	r.logger.Info("instance deregistered", zap.String("instance_id", id))
	r.emit(MembershipEvent{
		Type:       EventDeregistered,
		InstanceID: id,
		Instance:   inst.Clone(),
		Timestamp:  time.Now(),
	})
	return nil
}

// Get implements Registry.
func (r *LeaseRegistry) Get(ctx context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, errors.ErrInstanceNotFound)
	}
	return inst.Clone(), nil
}

// List implements Registry. Results are ordered by CreatedAt ascending,
// then by id, so repeated calls over the same state are deterministic.
func (r *LeaseRegistry) List(ctx context.Context, f Filter) ([]*Instance, error) {
	r.mu.Lock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if f.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Update implements Registry. The patch is merged under the registry lock
// and persisted before the new state becomes visible.
func (r *LeaseRegistry) Update(ctx context.Context, id string, p Patch) (*Instance, error) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("update %s: %w", id, errors.ErrInstanceNotFound)
	}

	prevStatus := inst.Status
	next := inst.Clone()
	if p.Status != nil {
		if !p.Status.Valid() {
			r.mu.Unlock()
			return nil, fmt.Errorf("invalid status %q", *p.Status)
		}
		if p.Automated && inst.Status == StatusDisabled {
			// operator disable outranks automated status writes
		} else {
			next.Status = *p.Status
		}
	}
	if p.LastSeen != nil && p.LastSeen.After(next.LastSeen) {
		// LastSeen is monotonically non-decreasing.
		next.LastSeen = *p.LastSeen
	}
	if p.Metadata != nil {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string)
		}
		for k, v := range p.Metadata {
			next.Metadata[k] = v
		}
	}
	if p.Capabilities != nil {
		if next.Capabilities == nil {
			next.Capabilities = make(map[string]bool)
		}
		for k, v := range p.Capabilities {
			next.Capabilities[k] = v
		}
	}
	if p.Tags != nil {
		next.Tags = append([]string(nil), p.Tags...)
	}

	value, err := json.Marshal(next)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	if err := r.backend.Put(ctx, r.key(next), string(value), storage.LeaseID(next.LeaseID)); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("persist instance %s: %w", id, err)
	}
	r.instances[id] = next
	r.pendingEcho[id]++
	statusChanged := next.Status != prevStatus
	r.mu.Unlock()

	if statusChanged {
		r.logger.Info("instance status changed",
			zap.String("instance_id", id),
			zap.String("from", string(prevStatus)),
			zap.String("to", string(next.Status)),
		)
		r.emit(MembershipEvent{
			Type:       EventHealthChanged,
			InstanceID: id,
			Instance:   next.Clone(),
			Timestamp:  time.Now(),
		})
	}
	return next.Clone(), nil
}

// Watch implements Registry.
func (r *LeaseRegistry) Watch(l Listener) (cancel func()) {
	r.listenerMu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = l
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

// RenewLease implements Registry. Renewal failure is not fatal here: when
// the lease lapses the backend deletes the record and the watch loop turns
// that into a DEREGISTERED event.
func (r *LeaseRegistry) RenewLease(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("renew %s: %w", id, errors.ErrInstanceNotFound)
	}
	lease := storage.LeaseID(inst.LeaseID)
	r.mu.Unlock()

	if lease == 0 {
		return fmt.Errorf("renew %s: %w", id, errors.ErrLeaseMissing)
	}
	if err := r.backend.KeepAlive(ctx, lease); err != nil {
		return fmt.Errorf("renew %s: %w", id, err)
	}
	return nil
}

// Close implements Registry.
func (r *LeaseRegistry) Close() error {
	r.cancel()
	r.wg.Wait()

	r.listenerMu.Lock()
	r.listeners = make(map[int]Listener)
	r.listenerMu.Unlock()
	return nil
}

func (r *LeaseRegistry) key(in *Instance) string {
	return keyPrefix + in.ClusterID + "/" + in.ID
}

func idFromKey(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return key
	}
	return key[idx+1:]
}

// loadExisting hydrates the local view from records already in the backend,
// e.g. after a restart while other cluster members keep their leases alive.
func (r *LeaseRegistry) loadExisting(ctx context.Context) error {
	kvs, err := r.backend.GetPrefix(ctx, keyPrefix)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range kvs {
		var inst Instance
		if err := json.Unmarshal([]byte(value), &inst); err != nil {
			r.logger.Warn("skipping undecodable instance record",
				zap.String("key", key), zap.Error(err))
			continue
		}
		r.instances[inst.ID] = &inst
	}
	if len(r.instances) > 0 {
		r.logger.Info("loaded existing instances", zap.Int("count", len(r.instances)))
	}
	return nil
}

// watchBackend consumes backend events until Close. Delete events cover
// both explicit removals by other processes and lease expiry; either way
// the record is gone, so the instance is dropped and DEREGISTERED emitted.
func (r *LeaseRegistry) watchBackend() {
	defer r.wg.Done()
	for {
		ch, err := r.backend.WatchPrefix(r.ctx, keyPrefix)
		if err != nil {
			r.logger.Error("backend watch failed", zap.Error(err))
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		for ev := range ch {
			r.handleBackendEvent(ev)
		}
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(time.Second):
			// watch stream ended unexpectedly, reconnect
		}
	}
}

func (r *LeaseRegistry) handleBackendEvent(ev storage.Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	switch ev.Type {
	case storage.EventTypeDelete:
		id := idFromKey(ev.Key)
		inst, ok := r.removeLocal(id)
		if !ok {
			// Already removed by an explicit Deregister on this process.
			return
		}
		r.logger.Info("instance removed by backend",
			zap.String("instance_id", id))
		r.emit(MembershipEvent{
			Type:       EventDeregistered,
			InstanceID: id,
			Instance:   inst.Clone(),
			Timestamp:  time.Now(),
		})

	case storage.EventTypePut:
		var inst Instance
		if err := json.Unmarshal([]byte(ev.Value), &inst); err != nil {
			r.logger.Warn("undecodable watch event", zap.String("key", ev.Key), zap.Error(err))
			return
		}
		r.mu.Lock()
		if n := r.pendingEcho[inst.ID]; n > 0 {
			if n == 1 {
				delete(r.pendingEcho, inst.ID)
			} else {
				r.pendingEcho[inst.ID] = n - 1
			}
			r.mu.Unlock()
			return
		}
		cur, known := r.instances[inst.ID]
		if known {
			// A write from another process; keep the local lease handle.
			inst.LeaseID = cur.LeaseID
			statusChanged := cur.Status != inst.Status
			if !statusChanged && !inst.LastSeen.After(cur.LastSeen) {
				// Stale replay; the local view is newer.
				r.mu.Unlock()
				return
			}
			r.instances[inst.ID] = &inst
			r.mu.Unlock()
			if statusChanged {
				r.emit(MembershipEvent{
					Type:       EventHealthChanged,
					InstanceID: inst.ID,
					Instance:   inst.Clone(),
					Timestamp:  time.Now(),
				})
			}
			return
		}
		r.instances[inst.ID] = &inst
		r.mu.Unlock()
		r.emit(MembershipEvent{
			Type:       EventRegistered,
			InstanceID: inst.ID,
			Instance:   inst.Clone(),
			Timestamp:  time.Now(),
		})
	}
}

// removeLocal drops the instance from the local view. Exactly one caller
// wins when Deregister races the backend watch loop, so DEREGISTERED is
// emitted exactly once.
func (r *LeaseRegistry) removeLocal(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	delete(r.instances, id)
	delete(r.pendingEcho, id)
	return inst, true
}

// emit delivers the event to all listeners in registration order. The
// caller holds emitMu. A panic in one listener is logged and never
// prevents delivery to the others.
func (r *LeaseRegistry) emit(ev MembershipEvent) {
	r.listenerMu.RLock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, r.listeners[id])
	}
	r.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("watch listener panicked",
						zap.Any("panic", rec),
						zap.String("event", string(ev.Type)),
						zap.String("instance_id", ev.InstanceID),
					)
				}
			}()
			l(ev)
		}()
	}
}
