package balancer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecot/proxy-stone-sub002/pkg/balancer"
	"github.com/codecot/proxy-stone-sub002/pkg/errors"
	"github.com/codecot/proxy-stone-sub002/pkg/registry"
)

func pool(ids ...string) []*registry.Instance {
	out := make([]*registry.Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, &registry.Instance{ID: id, URL: "http://" + id})
	}
	return out
}

func TestNewKnowsAllStrategies(t *testing.T) {
	for _, s := range []balancer.Strategy{
		balancer.StrategyRoundRobin,
		balancer.StrategyRandom,
		balancer.StrategyLeastConnected,
	} {
		b, err := balancer.New(s)
		require.NoError(t, err)
		assert.Equal(t, string(s), b.Name())
	}

	b, err := balancer.New("")
	require.NoError(t, err)
	assert.Equal(t, string(balancer.StrategyRoundRobin), b.Name(), "empty strategy defaults to round robin")

	_, err = balancer.New("bogus")
	assert.Error(t, err)
}

func TestRoundRobinCyclesInOrder(t *testing.T) {
	b := balancer.NewRoundRobin()
	instances := pool("a", "b", "c")
	ctx := context.Background()

	var picks []string
	for i := 0; i < 6; i++ {
		inst, err := b.Select(ctx, instances)
		require.NoError(t, err)
		picks = append(picks, inst.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picks)
}

func TestRoundRobinEmptyPool(t *testing.T) {
	b := balancer.NewRoundRobin()
	_, err := b.Select(context.Background(), nil)
	assert.ErrorIs(t, err, errors.ErrNoInstancesAvailable)
}

func TestRandomPicksFromPool(t *testing.T) {
	b := balancer.NewRandom()
	instances := pool("a", "b")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		inst, err := b.Select(ctx, instances)
		require.NoError(t, err)
		assert.Contains(t, []string{"a", "b"}, inst.ID)
	}

	_, err := b.Select(ctx, nil)
	assert.ErrorIs(t, err, errors.ErrNoInstancesAvailable)
}

func TestLeastConnectedSpreadsLoad(t *testing.T) {
	b := balancer.NewLeastConnected()
	instances := pool("a", "b")
	ctx := context.Background()

	counts := map[string]int{}
	for i := 0; i < 4; i++ {
		inst, err := b.Select(ctx, instances)
		require.NoError(t, err)
		counts[inst.ID]++
	}
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 2, counts["b"])
}

func TestLeastConnectedReleaseBiasesSelection(t *testing.T) {
	b := balancer.NewLeastConnected()
	instances := pool("a", "b")
	ctx := context.Background()

	// Load both, then release a's connections: a must win the next picks.
	for i := 0; i < 4; i++ {
		_, err := b.Select(ctx, instances)
		require.NoError(t, err)
	}
	b.Release("a")
	b.Release("a")

	inst, err := b.Select(ctx, instances)
	require.NoError(t, err)
	assert.Equal(t, "a", inst.ID)

	_, err = b.Select(ctx, nil)
	assert.ErrorIs(t, err, errors.ErrNoInstancesAvailable)
}
