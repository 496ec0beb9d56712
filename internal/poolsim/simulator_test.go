package poolsim

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subnetvalidator/internal/tickmath"
	"subnetvalidator/internal/validatorcore"
	"subnetvalidator/pkg/logging"
)

// q96 mirrors tickmath's internal Q64.96 scale for constructing test fixtures.
var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// sqrtPriceX96Of encodes a plain price into the sqrt_price_x96 wire format.
func sqrtPriceX96Of(price decimal.Decimal) decimal.Decimal {
	return tickmath.SqrtPrice(price).Mul(q96)
}

// fakeSource is a minimal in-memory validatorcore.EventsSource for simulator tests.
type fakeSource struct {
	events map[string][]validatorcore.PoolEvent
}

func (f *fakeSource) EventsIn(ctx context.Context, pool string, fromBlock, toBlock int64) ([]validatorcore.PoolEvent, error) {
	var out []validatorcore.PoolEvent
	for _, e := range f.events[pool] {
		if e.BlockNumber >= fromBlock && e.BlockNumber <= toBlock {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) PriceAtOrBefore(ctx context.Context, pool string, block int64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func testLogger() validatorcore.ILogger {
	return logging.NewLogger(logging.InfoLevel, nil)
}

func TestAdvanceTo_NoSwaps_NoFees(t *testing.T) {
	src := &fakeSource{}
	startState := validatorcore.PoolState{
		Block:        100,
		SqrtPriceX96: sqrtPriceX96Of(tickmath.PriceOfTick(0)),
		CurrentTick:  0,
		FeeTier:      decimal.NewFromFloat(0.003),
	}
	positions := []validatorcore.Position{
		{TickLower: -100, TickUpper: 100, Amount0: decimal.NewFromInt(1000), Amount1: decimal.NewFromInt(1000)},
	}
	sim, err := New("pool1", "miner1", startState.FeeTier, src, startState, positions, validatorcore.Inventory{}, testLogger())
	require.NoError(t, err)

	require.NoError(t, sim.AdvanceTo(context.Background(), 200))

	_, _, fees0, fees1 := sim.PortfolioOf("miner1")
	assert.True(t, fees0.IsZero())
	assert.True(t, fees1.IsZero())
}

func TestAdvanceTo_SwapInRange_CreditsFees(t *testing.T) {
	src := &fakeSource{
		events: map[string][]validatorcore.PoolEvent{
			"pool1": {
				{
					Type:            validatorcore.EventSwap,
					BlockNumber:     150,
					LogIndex:        0,
					Amount0Delta:    decimal.NewFromInt(10000),
					Amount1Delta:    decimal.NewFromInt(-9970),
					NewSqrtPriceX96: sqrtPriceX96Of(tickmath.PriceOfTick(1)),
					NewTick:         1,
				},
			},
		},
	}
	startState := validatorcore.PoolState{
		Block:        100,
		SqrtPriceX96: sqrtPriceX96Of(tickmath.PriceOfTick(0)),
		CurrentTick:  0,
		FeeTier:      decimal.NewFromFloat(0.003),
	}
	positions := []validatorcore.Position{
		{TickLower: -100, TickUpper: 100, Amount0: decimal.NewFromInt(1000), Amount1: decimal.NewFromInt(1000)},
	}
	sim, err := New("pool1", "miner1", startState.FeeTier, src, startState, positions, validatorcore.Inventory{}, testLogger())
	require.NoError(t, err)

	require.NoError(t, sim.AdvanceTo(context.Background(), 200))

	_, _, fees0, fees1 := sim.PortfolioOf("miner1")
	assert.True(t, fees0.GreaterThan(decimal.Zero))
	assert.True(t, fees1.GreaterThan(decimal.Zero))
}

func TestApplyRebalance_ClosesAndReopens(t *testing.T) {
	src := &fakeSource{}
	startState := validatorcore.PoolState{
		Block:        100,
		SqrtPriceX96: sqrtPriceX96Of(tickmath.PriceOfTick(0)),
		CurrentTick:  0,
		FeeTier:      decimal.NewFromFloat(0.003),
	}
	positions := []validatorcore.Position{
		{TickLower: -100, TickUpper: 100, Amount0: decimal.NewFromInt(1000), Amount1: decimal.NewFromInt(1000)},
	}
	sim, err := New("pool1", "miner1", startState.FeeTier, src, startState, positions, validatorcore.Inventory{}, testLogger())
	require.NoError(t, err)

	err = sim.ApplyRebalance("miner1", []validatorcore.Position{
		{TickLower: -200, TickUpper: 200, Amount0: decimal.NewFromInt(500), Amount1: decimal.NewFromInt(500)},
	})
	require.NoError(t, err)

	got, _, _, _ := sim.PortfolioOf("miner1")
	require.Len(t, got, 1)
	assert.Equal(t, int32(-200), got[0].TickLower)
	assert.Equal(t, int32(200), got[0].TickUpper)
}

func TestApplyRebalance_InsufficientInventory(t *testing.T) {
	src := &fakeSource{}
	startState := validatorcore.PoolState{
		Block:        100,
		SqrtPriceX96: sqrtPriceX96Of(tickmath.PriceOfTick(0)),
		CurrentTick:  0,
		FeeTier:      decimal.NewFromFloat(0.003),
	}
	sim, err := New("pool1", "miner1", startState.FeeTier, src, startState, nil, validatorcore.Inventory{}, testLogger())
	require.NoError(t, err)

	err = sim.ApplyRebalance("miner1", []validatorcore.Position{
		{TickLower: -200, TickUpper: 200, Amount0: decimal.NewFromInt(500), Amount1: decimal.NewFromInt(500)},
	})
	assert.Error(t, err)
}
