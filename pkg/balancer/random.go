package balancer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/codecot/proxy-stone-sub002/pkg/errors"
	"github.com/codecot/proxy-stone-sub002/pkg/registry"
)

// Random implements random balancing
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a new random balancer
func NewRandom() *Random {
	return &Random{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select implements Balancer interface
func (b *Random) Select(ctx context.Context, instances []*registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, errors.ErrNoInstancesAvailable
	}

	b.mu.Lock()
	index := b.rng.Intn(len(instances))
	b.mu.Unlock()
	return instances[index], nil
}

// Name implements Balancer interface
func (b *Random) Name() string {
	return string(StrategyRandom)
}
