package balancer

import (
	"context"
	"sync/atomic"

	"github.com/codecot/proxy-stone-sub002/pkg/errors"
	"github.com/codecot/proxy-stone-sub002/pkg/registry"
)

// RoundRobin implements a round-robin balancing strategy
type RoundRobin struct {
	counter uint64
}

// NewRoundRobin creates a new RoundRobin instance
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select chooses an instance using the round-robin strategy
func (b *RoundRobin) Select(ctx context.Context, instances []*registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errors.ErrNoInstancesAvailable
	}

	// Atomic increment to ensure thread safety
	index := atomic.AddUint64(&b.counter, 1)
	return instances[(index-1)%uint64(len(instances))], nil
}

// Name implements Balancer interface
func (b *RoundRobin) Name() string {
	return string(StrategyRoundRobin)
}
