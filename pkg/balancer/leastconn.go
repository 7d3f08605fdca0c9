package balancer

import (
	"context"
	"sync"

	"github.com/codecot/proxy-stone-sub002/pkg/errors"
	"github.com/codecot/proxy-stone-sub002/pkg/registry"
)

// LeastConnected implements least-connections balancing
type LeastConnected struct {
	mu          sync.Mutex
	connections map[string]int
}

// NewLeastConnected creates a new least-connections balancer
func NewLeastConnected() *LeastConnected {
	return &LeastConnected{
		connections: make(map[string]int),
	}
}

// Select implements Balancer interface
func (b *LeastConnected) Select(ctx context.Context, instances []*registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errors.ErrNoInstancesAvailable
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var selected *registry.Instance
	minConnections := int(^uint(0) >> 1) // max int
	for _, inst := range instances {
		if c := b.connections[inst.ID]; c < minConnections {
			minConnections = c
			selected = inst
		}
	}
	b.connections[selected.ID]++
	return selected, nil
}

// Release records the end of a connection handed out by Select.
func (b *LeastConnected) Release(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connections[id] > 0 {
		b.connections[id]--
	}
}

// Name implements Balancer interface
func (b *LeastConnected) Name() string {
	return string(StrategyLeastConnected)
}
