package sybil

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dhtcrawler/crawld/internal/clog"
)

// Testable property: after k consecutive congestion signals with no
// intervening growth, N_max_neighbours never exceeds
// max(200, floor(2000 * 0.9^k)).
func TestAIMDShrinkBound(t *testing.T) {
	n, err := New(NewConfig(), clog.Nop)
	require.NoError(t, err)

	for k := 1; k <= 40; k++ {
		n.onCongestion()
		bound := math.Max(200, math.Floor(2000*math.Pow(0.9, float64(k))))
		n.mu.Lock()
		got := n.maxNeighbours
		n.mu.Unlock()
		require.LessOrEqualf(t, float64(got), bound, "after %d congestion signals", k)
	}
}

func TestAIMDNeverShrinksBelowFloor(t *testing.T) {
	n, err := New(NewConfig(), clog.Nop)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		n.onCongestion()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	require.GreaterOrEqual(t, n.maxNeighbours, minNeighbours)
}

func TestAIMDGrowsOnCalmTick(t *testing.T) {
	n, err := New(NewConfig(), clog.Nop)
	require.NoError(t, err)
	n.mu.Lock()
	n.maxNeighbours = 1000
	n.neighbours = freshLRU(1000)
	n.congested = false
	n.mu.Unlock()

	// No bootstrap routers and an empty table: the tick sends nothing and
	// only applies the calm-tick growth.
	n.cfg.BootstrapRouters = nil
	n.runTick(context.Background())

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Greater(t, n.maxNeighbours, 1000)
}
