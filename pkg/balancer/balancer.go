package balancer

import (
	"context"
	"fmt"

	"github.com/codecot/proxy-stone-sub002/pkg/registry"
)

// Balancer chooses one instance from the in-service set.
type Balancer interface {
	// Select chooses an instance from the available ones
	Select(ctx context.Context, instances []*registry.Instance) (*registry.Instance, error)

	// Name returns the balancing strategy name
	Name() string
}

// Strategy represents different balancing strategies
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyRandom         Strategy = "random"
	StrategyLeastConnected Strategy = "least_connected"
)

// New builds a balancer for the named strategy.
func New(s Strategy) (Balancer, error) {
	switch s {
	case StrategyRoundRobin, "":
		return NewRoundRobin(), nil
	case StrategyRandom:
		return NewRandom(), nil
	case StrategyLeastConnected:
		return NewLeastConnected(), nil
	}
	return nil, fmt.Errorf("unknown balancing strategy %q", s)
}
