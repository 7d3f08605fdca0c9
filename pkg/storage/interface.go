package storage

import (
	"context"
	"time"
)

// LeaseID is an opaque handle to a TTL-bound lease granted by the backend.
// Zero means "no lease".
type LeaseID int64

// Backend is the lease+watch contract the registry requires of its backing
// store. The registry never touches the store through any other path.
type Backend interface {
	// PutWithLease stores the key under a fresh lease with the given TTL.
	// When the lease expires without renewal the backend deletes the key
	// and emits a delete watch event.
	PutWithLease(ctx context.Context, key, value string, ttl time.Duration) (LeaseID, error)

	// Put rewrites the key. A non-zero lease re-attaches the key to that
	// lease; zero stores it without one.
	Put(ctx context.Context, key, value string, lease LeaseID) error

	// KeepAlive extends the lease by its original TTL. Returns
	// errors.ErrLeaseExpired when the lease is already gone.
	KeepAlive(ctx context.Context, lease LeaseID) error

	// Get retrieves the value; the bool reports presence.
	Get(ctx context.Context, key string) (string, bool, error)

	// GetPrefix returns all key/value pairs under the prefix.
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// WatchPrefix streams put/delete events for keys under the prefix
	// until the context is cancelled.
	WatchPrefix(ctx context.Context, prefix string) (<-chan Event, error)

	// Close releases the backend connection.
	Close() error
}

// EventType represents the type of storage event.
type EventType int

const (
	EventTypePut EventType = iota
	EventTypeDelete
)

// Event represents a storage change event.
type Event struct {
	Type  EventType
	Key   string
	Value string
}
