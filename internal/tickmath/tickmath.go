// Package tickmath implements the pure tick/price arithmetic shared by the
// pool simulator and the scorer. Every function here is side-effect free
// and deterministic to the precision of shopspring/decimal.
package tickmath

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// tickBase is 1.0001, the per-tick price ratio.
var tickBase = decimal.NewFromFloat(1.0001)

// q96 is 2^96, the Q64.96 fixed-point scale used by sqrt_price_x96.
var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// PriceFromSqrtX96 converts a pool's sqrt_price_x96 encoding to a plain
// price: (sqrt_price_x96 / 2^96)^2.
func PriceFromSqrtX96(sqrtPriceX96 decimal.Decimal) decimal.Decimal {
	ratio := sqrtPriceX96.Div(q96)
	return ratio.Mul(ratio)
}

// PriceOfTick returns 1.0001^tick.
func PriceOfTick(tick int32) decimal.Decimal {
	f, _ := tickBase.Float64()
	return decimal.NewFromFloat(math.Pow(f, float64(tick)))
}

// TickOfPrice returns floor(log(price)/log(1.0001)).
func TickOfPrice(price decimal.Decimal) int32 {
	p, _ := price.Float64()
	if p <= 0 {
		return math.MinInt32
	}
	return int32(math.Floor(math.Log(p) / math.Log(1.0001)))
}

// SqrtPrice returns sqrt(price).
func SqrtPrice(price decimal.Decimal) decimal.Decimal {
	f, _ := price.Float64()
	return decimal.NewFromFloat(math.Sqrt(f))
}

// PositionValue returns a position's value denominated in token1 at the
// given price, per the three-case v3 valuation formula.
func PositionValue(liquidity decimal.Decimal, tickLower, tickUpper int32, priceNow decimal.Decimal) decimal.Decimal {
	sqrtPLower := SqrtPrice(PriceOfTick(tickLower))
	sqrtPUpper := SqrtPrice(PriceOfTick(tickUpper))
	sqrtPNow := SqrtPrice(priceNow)

	priceLower := PriceOfTick(tickLower)
	priceUpper := PriceOfTick(tickUpper)

	switch {
	case priceNow.LessThanOrEqual(priceLower):
		// All token0: L * (1/sqrtPLower - 1/sqrtPUpper), valued at priceNow.
		amount0 := liquidity.Mul(decimal.NewFromInt(1).Div(sqrtPLower).Sub(decimal.NewFromInt(1).Div(sqrtPUpper)))
		return amount0.Mul(priceNow)
	case priceNow.GreaterThanOrEqual(priceUpper):
		// All token1: L * (sqrtPUpper - sqrtPLower).
		return liquidity.Mul(sqrtPUpper.Sub(sqrtPLower))
	default:
		amount0 := liquidity.Mul(decimal.NewFromInt(1).Div(sqrtPNow).Sub(decimal.NewFromInt(1).Div(sqrtPUpper)))
		amount1 := liquidity.Mul(sqrtPNow.Sub(sqrtPLower))
		return amount0.Mul(priceNow).Add(amount1)
	}
}

// AmountsFromLiquidity returns the (amount0, amount1) a position of the
// given liquidity holds at priceNow, mirroring the three PositionValue
// regimes without converting to a single token1 value.
func AmountsFromLiquidity(liquidity decimal.Decimal, tickLower, tickUpper int32, priceNow decimal.Decimal) (amount0, amount1 decimal.Decimal) {
	sqrtPLower := SqrtPrice(PriceOfTick(tickLower))
	sqrtPUpper := SqrtPrice(PriceOfTick(tickUpper))
	sqrtPNow := SqrtPrice(priceNow)

	priceLower := PriceOfTick(tickLower)
	priceUpper := PriceOfTick(tickUpper)

	switch {
	case priceNow.LessThanOrEqual(priceLower):
		amount0 = liquidity.Mul(decimal.NewFromInt(1).Div(sqrtPLower).Sub(decimal.NewFromInt(1).Div(sqrtPUpper)))
		return amount0, decimal.Zero
	case priceNow.GreaterThanOrEqual(priceUpper):
		return decimal.Zero, liquidity.Mul(sqrtPUpper.Sub(sqrtPLower))
	default:
		amount0 = liquidity.Mul(decimal.NewFromInt(1).Div(sqrtPNow).Sub(decimal.NewFromInt(1).Div(sqrtPUpper)))
		amount1 = liquidity.Mul(sqrtPNow.Sub(sqrtPLower))
		return amount0, amount1
	}
}

// LiquidityFromAmounts inverts the standard v3 formulas to recover the
// liquidity implied by a pair of token amounts over a tick range at the
// current price. When both amounts are supplied, the binding (limiting)
// side determines L.
func LiquidityFromAmounts(amount0, amount1 decimal.Decimal, tickLower, tickUpper int32, priceNow decimal.Decimal) decimal.Decimal {
	sqrtPLower := SqrtPrice(PriceOfTick(tickLower))
	sqrtPUpper := SqrtPrice(PriceOfTick(tickUpper))
	sqrtPNow := SqrtPrice(priceNow)

	priceLower := PriceOfTick(tickLower)
	priceUpper := PriceOfTick(tickUpper)

	switch {
	case priceNow.LessThanOrEqual(priceLower):
		denom := decimal.NewFromInt(1).Div(sqrtPLower).Sub(decimal.NewFromInt(1).Div(sqrtPUpper))
		if denom.IsZero() {
			return decimal.Zero
		}
		return amount0.Div(denom)
	case priceNow.GreaterThanOrEqual(priceUpper):
		denom := sqrtPUpper.Sub(sqrtPLower)
		if denom.IsZero() {
			return decimal.Zero
		}
		return amount1.Div(denom)
	default:
		l0Denom := decimal.NewFromInt(1).Div(sqrtPNow).Sub(decimal.NewFromInt(1).Div(sqrtPUpper))
		l1Denom := sqrtPNow.Sub(sqrtPLower)

		var l0, l1 decimal.Decimal
		if !l0Denom.IsZero() {
			l0 = amount0.Div(l0Denom)
		}
		if !l1Denom.IsZero() {
			l1 = amount1.Div(l1Denom)
		}

		if l0.IsZero() {
			return l1
		}
		if l1.IsZero() {
			return l0
		}
		if l0.LessThan(l1) {
			return l0
		}
		return l1
	}
}
