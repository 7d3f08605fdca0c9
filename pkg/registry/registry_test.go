package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codecot/proxy-stone-sub002/pkg/errors"
	"github.com/codecot/proxy-stone-sub002/pkg/registry"
	"github.com/codecot/proxy-stone-sub002/pkg/storage"
)

func newTestRegistry(t *testing.T, opts ...registry.Option) *registry.LeaseRegistry {
	t.Helper()
	backend := storage.NewMemory()
	reg, err := registry.NewLeaseRegistry(backend, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		reg.Close()
		backend.Close()
	})
	return reg
}

// eventRecorder collects membership events in delivery order.
type eventRecorder struct {
	mu     sync.Mutex
	events []registry.MembershipEvent
}

func (r *eventRecorder) record(ev registry.MembershipEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []registry.MembershipEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.MembershipEvent(nil), r.events...)
}

func (r *eventRecorder) ofType(t registry.EventType) []registry.MembershipEvent {
	var out []registry.MembershipEvent
	for _, ev := range r.snapshot() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestRegisterAssignsDefaults(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	stored, err := reg.Register(ctx, &registry.Instance{URL: "http://10.0.0.1:8080"})
	require.NoError(t, err)

	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "default", stored.ClusterID)
	assert.Equal(t, registry.RoleDefault, stored.Role)
	assert.Equal(t, registry.StatusStarting, stored.Status)
	assert.Equal(t, 60*time.Second, stored.TTL)
	assert.False(t, stored.CreatedAt.IsZero())
	assert.False(t, stored.LastSeen.IsZero())
	assert.NotZero(t, stored.LeaseID)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, nil)
	assert.Error(t, err)
	_, err = reg.Register(ctx, &registry.Instance{})
	assert.Error(t, err)
	_, err = reg.Register(ctx, &registry.Instance{URL: "http://x", Status: "bogus"})
	assert.Error(t, err)
}

func TestReRegisterOverwritesInPlace(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://one"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	second, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://two"})
	require.NoError(t, err)

	// CreatedAt is immutable; LastSeen refreshed; never a duplicate.
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt))
	assert.True(t, second.LastSeen.After(first.LastSeen))
	assert.Equal(t, "http://two", second.URL)

	all, err := reg.List(ctx, registry.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "http://two", all[0].URL)
}

func TestDeregisterIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	rec := &eventRecorder{}
	cancel := reg.Watch(rec.record)
	defer cancel()

	_, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://x"})
	require.NoError(t, err)

	require.NoError(t, reg.Deregister(ctx, "a"))
	require.NoError(t, reg.Deregister(ctx, "a"))
	require.NoError(t, reg.Deregister(ctx, "never-existed"))

	_, err = reg.Get(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrInstanceNotFound)
	assert.Len(t, rec.ofType(registry.EventDeregistered), 1)
}

func TestEventOrderMatchesOperations(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	rec := &eventRecorder{}
	cancel := reg.Watch(rec.record)
	defer cancel()

	_, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://x"})
	require.NoError(t, err)
	healthy := registry.StatusHealthy
	_, err = reg.Update(ctx, "a", registry.Patch{Status: &healthy})
	require.NoError(t, err)
	require.NoError(t, reg.Deregister(ctx, "a"))

	events := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, registry.EventRegistered, events[0].Type)
	assert.Equal(t, registry.EventHealthChanged, events[1].Type)
	assert.Equal(t, registry.EventDeregistered, events[2].Type)
}

func TestUpdateUnknownIDFails(t *testing.T) {
	reg := newTestRegistry(t)
	healthy := registry.StatusHealthy
	_, err := reg.Update(context.Background(), "ghost", registry.Patch{Status: &healthy})
	assert.ErrorIs(t, err, errors.ErrInstanceNotFound)
}

func TestUpdateMergesFields(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, &registry.Instance{
		ID:       "a",
		URL:      "http://x",
		Metadata: map[string]string{"region": "eu", "zone": "eu-1"},
	})
	require.NoError(t, err)

	rec := &eventRecorder{}
	cancel := reg.Watch(rec.record)
	defer cancel()

	// Metadata-only update merges and emits no health event.
	updated, err := reg.Update(ctx, "a", registry.Patch{
		Metadata:     map[string]string{"zone": "eu-2", "version": "1.4"},
		Capabilities: map[string]bool{"gzip": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "eu", updated.Metadata["region"])
	assert.Equal(t, "eu-2", updated.Metadata["zone"])
	assert.Equal(t, "1.4", updated.Metadata["version"])
	assert.True(t, updated.Capabilities["gzip"])
	assert.Empty(t, rec.ofType(registry.EventHealthChanged))

	// Status change emits exactly one event.
	healthy := registry.StatusHealthy
	_, err = reg.Update(ctx, "a", registry.Patch{Status: &healthy})
	require.NoError(t, err)
	assert.Len(t, rec.ofType(registry.EventHealthChanged), 1)
}

func TestAutomatedStatusWriteCannotOverrideDisabled(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://x"})
	require.NoError(t, err)
	disabled := registry.StatusDisabled
	_, err = reg.Update(ctx, "a", registry.Patch{Status: &disabled})
	require.NoError(t, err)

	rec := &eventRecorder{}
	cancel := reg.Watch(rec.record)
	defer cancel()

	// Probe results and heartbeats carry Automated; the disable holds.
	healthy := registry.StatusHealthy
	now := time.Now()
	updated, err := reg.Update(ctx, "a", registry.Patch{
		Status:    &healthy,
		LastSeen:  &now,
		Metadata:  map[string]string{"probe_rtt_ms": "3"},
		Automated: true,
	})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusDisabled, updated.Status)
	assert.Equal(t, "3", updated.Metadata["probe_rtt_ms"], "non-status fields still apply")
	assert.Empty(t, rec.ofType(registry.EventHealthChanged))

	// An operator write is not automated and may re-enable.
	starting := registry.StatusStarting
	updated, err = reg.Update(ctx, "a", registry.Patch{Status: &starting})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStarting, updated.Status)
	assert.Len(t, rec.ofType(registry.EventHealthChanged), 1)
}

func TestConcurrentUpdatesDeliverEventsInApplicationOrder(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://x"})
	require.NoError(t, err)

	rec := &eventRecorder{}
	cancel := reg.Watch(rec.record)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range []registry.Status{registry.StatusHealthy, registry.StatusUnhealthy} {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				st := s
				_, err := reg.Update(ctx, "a", registry.Patch{Status: &st})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	// HEALTH_CHANGED is only emitted on an actual change, so in-order
	// delivery means no two consecutive events carry the same status.
	events := rec.ofType(registry.EventHealthChanged)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		assert.NotEqual(t, events[i-1].Instance.Status, events[i].Instance.Status,
			"event %d repeats the previous status", i)
	}
}

func TestLastSeenIsMonotonic(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	stored, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://x"})
	require.NoError(t, err)

	past := stored.LastSeen.Add(-time.Hour)
	updated, err := reg.Update(ctx, "a", registry.Patch{LastSeen: &past})
	require.NoError(t, err)
	assert.True(t, updated.LastSeen.Equal(stored.LastSeen), "LastSeen must never move backwards")

	future := stored.LastSeen.Add(time.Second)
	updated, err = reg.Update(ctx, "a", registry.Patch{LastSeen: &future})
	require.NoError(t, err)
	assert.True(t, updated.LastSeen.Equal(future))
}

func TestListFiltersAndOrders(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, in := range []*registry.Instance{
		{ID: "c1-a", URL: "http://a", ClusterID: "c1", Tags: []string{"cache"}},
		{ID: "c1-b", URL: "http://b", ClusterID: "c1"},
		{ID: "c2-a", URL: "http://c", ClusterID: "c2", Tags: []string{"cache"}},
	} {
		_, err := reg.Register(ctx, in)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	all, err := reg.List(ctx, registry.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// CreatedAt ascending
	assert.Equal(t, "c1-a", all[0].ID)
	assert.Equal(t, "c1-b", all[1].ID)
	assert.Equal(t, "c2-a", all[2].ID)

	c1, err := reg.List(ctx, registry.Filter{ClusterID: "c1"})
	require.NoError(t, err)
	assert.Len(t, c1, 2)

	tagged, err := reg.List(ctx, registry.Filter{Tag: "cache"})
	require.NoError(t, err)
	assert.Len(t, tagged, 2)

	starting, err := reg.List(ctx, registry.Filter{Status: registry.StatusStarting})
	require.NoError(t, err)
	assert.Len(t, starting, 3)
}

func TestListenerPanicDoesNotBlockOthers(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	cancelBad := reg.Watch(func(registry.MembershipEvent) {
		panic("listener exploded")
	})
	defer cancelBad()

	rec := &eventRecorder{}
	cancelGood := reg.Watch(rec.record)
	defer cancelGood()

	_, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://x"})
	require.NoError(t, err)

	assert.Len(t, rec.ofType(registry.EventRegistered), 1)
}

func TestLeaseExpiryEmitsDeregistered(t *testing.T) {
	reg := newTestRegistry(t, registry.WithLeaseTTL(40*time.Millisecond))
	ctx := context.Background()

	rec := &eventRecorder{}
	cancel := reg.Watch(rec.record)
	defer cancel()

	_, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.ofType(registry.EventDeregistered)) == 1
	}, 2*time.Second, 10*time.Millisecond, "lease expiry must surface as DEREGISTERED")

	_, err = reg.Get(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrInstanceNotFound, "expired instance is deleted, not marked")
}

func TestRenewLeaseKeepsInstanceAlive(t *testing.T) {
	reg := newTestRegistry(t, registry.WithLeaseTTL(60*time.Millisecond))
	ctx := context.Background()

	_, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://x"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, reg.RenewLease(ctx, "a"))
	}

	_, err = reg.Get(ctx, "a")
	assert.NoError(t, err, "renewed instance must survive past its original TTL")

	assert.ErrorIs(t, reg.RenewLease(ctx, "ghost"), errors.ErrInstanceNotFound)
}

func TestWatchCancelStopsDelivery(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	rec := &eventRecorder{}
	cancel := reg.Watch(rec.record)

	_, err := reg.Register(ctx, &registry.Instance{ID: "a", URL: "http://x"})
	require.NoError(t, err)
	cancel()

	_, err = reg.Register(ctx, &registry.Instance{ID: "b", URL: "http://y"})
	require.NoError(t, err)

	assert.Len(t, rec.snapshot(), 1)
}
