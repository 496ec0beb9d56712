package tickmath

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPriceOfTick_Zero(t *testing.T) {
	p := PriceOfTick(0)
	assert.True(t, p.Sub(decimal.NewFromInt(1)).Abs().LessThan(decimal.NewFromFloat(0.0001)))
}

func TestTickOfPrice_RoundTrip(t *testing.T) {
	for _, tick := range []int32{-1000, -1, 0, 1, 5000} {
		price := PriceOfTick(tick)
		recovered := TickOfPrice(price)
		assert.InDelta(t, int(tick), int(recovered), 1, "tick round-trip for %d", tick)
	}
}

func TestPositionValue_BelowRange(t *testing.T) {
	liquidity := decimal.NewFromInt(1_000_000)
	val := PositionValue(liquidity, 0, 100, PriceOfTick(-10))
	assert.True(t, val.IsPositive())
}

func TestPositionValue_AboveRange(t *testing.T) {
	liquidity := decimal.NewFromInt(1_000_000)
	val := PositionValue(liquidity, 0, 100, PriceOfTick(200))
	assert.True(t, val.IsPositive())
}

func TestPositionValue_InRange(t *testing.T) {
	liquidity := decimal.NewFromInt(1_000_000)
	val := PositionValue(liquidity, -100, 100, PriceOfTick(0))
	assert.True(t, val.IsPositive())
}

func TestLiquidityFromAmounts_BelowRange(t *testing.T) {
	l := LiquidityFromAmounts(decimal.NewFromInt(1000), decimal.Zero, 0, 100, PriceOfTick(-10))
	assert.True(t, l.IsPositive())
}

func TestAmountsFromLiquidity_AboveRange_IsAllToken1(t *testing.T) {
	liquidity := decimal.NewFromInt(1_000_000)
	a0, a1 := AmountsFromLiquidity(liquidity, 0, 100, PriceOfTick(200))
	assert.True(t, a0.IsZero())
	assert.True(t, a1.IsPositive())
}
