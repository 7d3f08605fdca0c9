package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/codecot/proxy-stone-sub002/pkg/errors"
)

// Memory implements Backend with an in-process map and timer-driven lease
// expiry. It is the default backend for single-node deployments and the
// backend used by the test suite.
type Memory struct {
	mu        sync.Mutex
	data      map[string]memEntry
	leases    map[LeaseID]*memLease
	nextLease LeaseID
	watchers  []*memWatcher
	closed    bool
}

type memEntry struct {
	value string
	lease LeaseID
}

type memLease struct {
	ttl     time.Duration
	expires time.Time
	timer   *time.Timer
}

type memWatcher struct {
	prefix string
	done   <-chan struct{}

	// mu guards ch against a send racing the close in the cancel
	// goroutine.
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// send delivers one event unless the watcher has been cancelled. A full
// buffer blocks until the receiver drains or the watch context ends.
func (w *memWatcher) send(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- ev:
	case <-w.done:
	}
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		data:   make(map[string]memEntry),
		leases: make(map[LeaseID]*memLease),
	}
}

func (m *Memory) PutWithLease(ctx context.Context, key, value string, ttl time.Duration) (LeaseID, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, errors.ErrBackendUnavailable
	}
	m.nextLease++
	id := m.nextLease
	lease := &memLease{ttl: ttl, expires: time.Now().Add(ttl)}
	lease.timer = time.AfterFunc(ttl, func() { m.expire(id) })
	m.leases[id] = lease
	m.data[key] = memEntry{value: value, lease: id}
	m.mu.Unlock()

	m.notify(Event{Type: EventTypePut, Key: key, Value: value})
	return id, nil
}

func (m *Memory) Put(ctx context.Context, key, value string, lease LeaseID) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.ErrBackendUnavailable
	}
	if lease != 0 {
		if _, ok := m.leases[lease]; !ok {
			m.mu.Unlock()
			return errors.ErrLeaseExpired
		}
	}
	m.data[key] = memEntry{value: value, lease: lease}
	m.mu.Unlock()

	m.notify(Event{Type: EventTypePut, Key: key, Value: value})
	return nil
}

func (m *Memory) KeepAlive(ctx context.Context, lease LeaseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[lease]
	if !ok {
		return errors.ErrLeaseExpired
	}
	l.expires = time.Now().Add(l.ttl)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]string)
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) {
			result[k] = e.value
		}
	}
	return result, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	e, existed := m.data[key]
	if existed {
		delete(m.data, key)
		m.dropLeaseIfUnused(e.lease)
	}
	m.mu.Unlock()

	if existed {
		m.notify(Event{Type: EventTypeDelete, Key: key, Value: e.value})
	}
	return nil
}

func (m *Memory) WatchPrefix(ctx context.Context, prefix string) (<-chan Event, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.ErrBackendUnavailable
	}
	w := &memWatcher{
		prefix: prefix,
		ch:     make(chan Event, 128),
		done:   ctx.Done(),
	}
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.removeWatcher(w)
		w.mu.Lock()
		w.closed = true
		close(w.ch)
		w.mu.Unlock()
	}()

	return w.ch, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, l := range m.leases {
		l.timer.Stop()
		delete(m.leases, id)
	}
	return nil
}

// expire fires when a lease timer elapses. A keep-alive between the timer
// being armed and firing pushes the deadline forward, in which case the
// timer is rescheduled instead of expiring the lease.
func (m *Memory) expire(id LeaseID) {
	m.mu.Lock()
	l, ok := m.leases[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	if remaining := time.Until(l.expires); remaining > 0 {
		l.timer.Reset(remaining)
		m.mu.Unlock()
		return
	}
	delete(m.leases, id)
	var expired []Event
	for k, e := range m.data {
		if e.lease == id {
			delete(m.data, k)
			expired = append(expired, Event{Type: EventTypeDelete, Key: k, Value: e.value})
		}
	}
	m.mu.Unlock()

	for _, ev := range expired {
		m.notify(ev)
	}
}

// dropLeaseIfUnused releases a lease once no key references it.
// Caller holds mu.
func (m *Memory) dropLeaseIfUnused(id LeaseID) {
	if id == 0 {
		return
	}
	for _, e := range m.data {
		if e.lease == id {
			return
		}
	}
	if l, ok := m.leases[id]; ok {
		l.timer.Stop()
		delete(m.leases, id)
	}
}

func (m *Memory) removeWatcher(w *memWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.watchers {
		if cur == w {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			return
		}
	}
}

func (m *Memory) notify(ev Event) {
	m.mu.Lock()
	watchers := make([]*memWatcher, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	for _, w := range watchers {
		if strings.HasPrefix(ev.Key, w.prefix) {
			w.send(ev)
		}
	}
}
