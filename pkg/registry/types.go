package registry

import (
	"context"
	"strings"
	"time"
)

// Status is the closed set of instance states shared by the registry, the
// health monitor and the cluster manager. Nothing outside this set may be
// written to an instance record.
type Status string

const (
	// StatusStarting is the initial state before any probe has completed.
	StatusStarting Status = "starting"
	// StatusActive means the instance is heartbeating.
	StatusActive Status = "active"
	// StatusHealthy means the last probe cycle succeeded.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy means a probe cycle exhausted all retries.
	StatusUnhealthy Status = "unhealthy"
	// StatusStopped means the grace period elapsed while unhealthy.
	// Believed dead, not removed; a later successful probe revives it.
	StatusStopped Status = "stopped"
	// StatusDraining is signalled by the instance itself via its probe body.
	StatusDraining Status = "draining"
	// StatusInactive is derived from heartbeat staleness.
	StatusInactive Status = "inactive"
	// StatusDisabled is an explicit operator signal. It is never set or
	// cleared by the monitor or the cleanup sweep.
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusActive, StatusHealthy, StatusUnhealthy,
		StatusStopped, StatusDraining, StatusInactive, StatusDisabled:
		return true
	}
	return false
}

// Role describes an instance's function within its cluster.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
	RoleDefault     Role = "default"
)

// Instance is the canonical record for one proxy process in the cluster.
type Instance struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	HealthURL    string            `json:"health_url,omitempty"`
	ClusterID    string            `json:"cluster_id"`
	Role         Role              `json:"role"`
	Tags         []string          `json:"tags,omitempty"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	LastSeen     time.Time         `json:"last_seen"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// LeaseID is the opaque handle to the backing lease. Zero when the
	// record is not lease-backed.
	LeaseID int64 `json:"lease_id,omitempty"`
	// TTL is the lease time-to-live granted at registration.
	TTL time.Duration `json:"ttl,omitempty"`
}

// Clone returns a deep copy so callers can never mutate registry state
// behind its back.
func (in *Instance) Clone() *Instance {
	cp := *in
	if in.Tags != nil {
		cp.Tags = append([]string(nil), in.Tags...)
	}
	if in.Capabilities != nil {
		cp.Capabilities = make(map[string]bool, len(in.Capabilities))
		for k, v := range in.Capabilities {
			cp.Capabilities[k] = v
		}
	}
	if in.Metadata != nil {
		cp.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// HealthEndpoint returns the URL the monitor probes. Falls back to
// <url>/health when no explicit health URL was declared.
func (in *Instance) HealthEndpoint() string {
	if in.HealthURL != "" {
		return in.HealthURL
	}
	url := in.URL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return strings.TrimRight(url, "/") + "/health"
}

// HasTag reports whether the instance carries the given tag.
func (in *Instance) HasTag(tag string) bool {
	for _, t := range in.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EventType classifies membership events.
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventDeregistered  EventType = "deregistered"
	EventHealthChanged EventType = "health_changed"
)

// MembershipEvent is delivered to watch listeners on every registry change.
// Delivery order matches the order operations were applied at the registry.
type MembershipEvent struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`
	Instance   *Instance `json:"instance,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HealthCheckResult records the outcome of one probe cycle against one
// instance.
type HealthCheckResult struct {
	InstanceID   string        `json:"instance_id"`
	Status       Status        `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	Timestamp    time.Time     `json:"timestamp"`
	Error        string        `json:"error,omitempty"`
	Attempts     int           `json:"attempts"`
	Details      string        `json:"details,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ClusterID string
	Status    Status
	Tag       string
}

// Matches reports whether the instance passes the filter.
func (f Filter) Matches(in *Instance) bool {
	if f.ClusterID != "" && in.ClusterID != f.ClusterID {
		return false
	}
	if f.Status != "" && in.Status != f.Status {
		return false
	}
	if f.Tag != "" && !in.HasTag(f.Tag) {
		return false
	}
	return true
}

// Patch is a partial update applied by Update. Nil fields are left as-is.
type Patch struct {
	Status       *Status
	LastSeen     *time.Time
	Metadata     map[string]string
	Capabilities map[string]bool
	Tags         []string

	// Automated marks status writes produced by background tasks: probe
	// results, heartbeats, staleness derivation. An automated status
	// write never overrides an operator DISABLED, no matter how the
	// writes interleave; the other patch fields still apply.
	Automated bool
}

// Listener receives membership events. A panic or misbehaviour in one
// listener never prevents delivery to the others. Listeners run
// synchronously with the operation that produced the event and must not
// invoke mutating registry operations.
type Listener func(MembershipEvent)

// Registry is the single source of truth for instance records. All reads
// and writes of shared instance state go through it.
type Registry interface {
	// Register stores the instance under a fresh lease and returns the
	// stored record. Re-registering an existing id overwrites in place,
	// preserving CreatedAt.
	Register(ctx context.Context, in *Instance) (*Instance, error)

	// Deregister removes the record. Unknown ids are not an error.
	Deregister(ctx context.Context, id string) error

	// Get returns a copy of the record, or ErrInstanceNotFound.
	Get(ctx context.Context, id string) (*Instance, error)

	// List returns matching records ordered by CreatedAt ascending.
	List(ctx context.Context, f Filter) ([]*Instance, error)

	// Update merges the patch into the record, or ErrInstanceNotFound.
	Update(ctx context.Context, id string, p Patch) (*Instance, error)

	// Watch registers a listener for membership events. The returned
	// function cancels the subscription.
	Watch(l Listener) (cancel func())

	// RenewLease extends the instance's lease TTL.
	RenewLease(ctx context.Context, id string) error

	// Close stops the backend watch loop and drops all listeners.
	Close() error
}
