// Package scorer implements the PoL penalty formula and the EMA reputation
// update it feeds, entirely as pure decimal functions.
package scorer

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"subnetvalidator/internal/validatorcore"
)

// smoothMaxK is the softmax sharpness used by inv_loss's smooth-max blend.
const smoothMaxK = 20.0

// penaltyK scales the exponential penalty applied to inv_loss.
const penaltyK = 10.0

// evalAlpha/liveAlpha are the EMA smoothing factors for eval and live rounds.
const evalAlpha = 0.1
const liveAlpha = 0.3

// combinedEvalWeight/combinedLiveWeight blend eval_ema and live_ema into combined.
const combinedEvalWeight = 0.6
const combinedLiveWeight = 0.4

// Scorer computes PoL scores and folds them into per-job EMA state.
type Scorer struct{}

// New creates a Scorer. It holds no state; all methods are pure functions
// of their arguments.
func New() *Scorer {
	return &Scorer{}
}

// Score computes the raw PoL score for one miner's round outcome. Callers
// must not invoke Score for refused miners (no score update) or violating
// miners (score is fixed at zero, recorded directly) — constraint
// validation, including the max_il check, happens before Score is ever
// called (internal/roundexec marks a miner Violating there).
func (s *Scorer) Score(
	initialInv validatorcore.Inventory,
	initialPrice decimal.Decimal,
	final validatorcore.MinerPortfolio,
	finalPrice decimal.Decimal,
) (decimal.Decimal, error) {
	initialValue := initialInv.Amount0.Mul(initialPrice).Add(initialInv.Amount1)

	finalAmount0, finalAmount1 := final.Inventory.Amount0, final.Inventory.Amount1
	finalValue := finalAmount0.Mul(finalPrice).Add(finalAmount1).Add(final.FeesAccrued1).
		Add(final.FeesAccrued0.Mul(finalPrice))

	valueGain := finalValue.Sub(initialValue)

	invLoss := InvLoss(initialInv, final)
	penalty := decimal.NewFromFloat(math.Exp(-penaltyK * mustFloat(invLoss)))

	if valueGain.GreaterThanOrEqual(decimal.Zero) {
		return valueGain.Mul(penalty), nil
	}
	if penalty.IsZero() {
		return decimal.Zero, nil
	}
	return valueGain.Div(penalty), nil
}

// InvLoss computes the smooth-max blend of the two tokens' loss ratios for
// final against initialInv. Exported so callers ranking predictions can use
// it as the documented tie-break below raw score.
func InvLoss(initialInv validatorcore.Inventory, final validatorcore.MinerPortfolio) decimal.Decimal {
	lossRatio0 := lossRatio(initialInv.Amount0, final.Inventory.Amount0)
	lossRatio1 := lossRatio(initialInv.Amount1, final.Inventory.Amount1)
	return smoothMax(lossRatio0, lossRatio1)
}

func lossRatio(initial, final decimal.Decimal) decimal.Decimal {
	if initial.IsZero() {
		return decimal.Zero
	}
	ratio := initial.Sub(final).Div(initial)
	if ratio.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return ratio
}

// smoothMax returns (1/k)*log(exp(k*r0) + exp(k*r1)) - log(2)/k, the
// soft-max blend of two loss ratios used as inv_loss.
func smoothMax(r0, r1 decimal.Decimal) decimal.Decimal {
	k := smoothMaxK
	a, b := mustFloat(r0), mustFloat(r1)
	v := (1/k)*math.Log(math.Exp(k*a)+math.Exp(k*b)) - math.Log(2)/k
	return decimal.NewFromFloat(v)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// UpdateEMA folds score into current's (eval_ema, live_ema, combined)
// triple per roundType. The first observation for a track seeds the EMA
// directly rather than blending from zero.
func (s *Scorer) UpdateEMA(current validatorcore.MinerScore, roundType validatorcore.RoundType, score decimal.Decimal, at time.Time) validatorcore.MinerScore {
	out := current

	switch roundType {
	case validatorcore.RoundEval:
		if !out.HasEvalEMA {
			out.EvalEMA = score
			out.HasEvalEMA = true
		} else {
			out.EvalEMA = out.EvalEMA.Mul(decimal.NewFromFloat(1 - evalAlpha)).Add(score.Mul(decimal.NewFromFloat(evalAlpha)))
		}
		out.LastEvalAt = at
	case validatorcore.RoundLive:
		if !out.HasLiveEMA {
			out.LiveEMA = score
			out.HasLiveEMA = true
		} else {
			out.LiveEMA = out.LiveEMA.Mul(decimal.NewFromFloat(1 - liveAlpha)).Add(score.Mul(decimal.NewFromFloat(liveAlpha)))
		}
		out.LastLiveAt = at
	}

	out.Combined = out.EvalEMA.Mul(decimal.NewFromFloat(combinedEvalWeight)).
		Add(out.LiveEMA.Mul(decimal.NewFromFloat(combinedLiveWeight)))

	return out
}
