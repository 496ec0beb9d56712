package scorer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subnetvalidator/internal/validatorcore"
)

func TestScore_PerfectPreservation_ScoresFeesOnly(t *testing.T) {
	s := New()
	initialInv := validatorcore.Inventory{Amount0: decimal.NewFromInt(1000), Amount1: decimal.NewFromInt(2000)}
	final := validatorcore.MinerPortfolio{
		Inventory:    validatorcore.Inventory{Amount0: decimal.NewFromInt(1000), Amount1: decimal.NewFromInt(2000)},
		FeesAccrued0: decimal.Zero,
		FeesAccrued1: decimal.NewFromInt(10),
	}
	score, err := s.Score(initialInv, decimal.NewFromInt(1), final, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, score.Equal(decimal.NewFromInt(10)), "score=%s", score)
}

func TestScore_PureIL_PositiveButPenalized(t *testing.T) {
	s := New()
	initialInv := validatorcore.Inventory{Amount0: decimal.NewFromInt(1000), Amount1: decimal.NewFromInt(2000)}
	final := validatorcore.MinerPortfolio{
		Inventory: validatorcore.Inventory{Amount0: decimal.NewFromInt(500), Amount1: decimal.NewFromInt(3000)},
	}
	score, err := s.Score(initialInv, decimal.NewFromInt(1), final, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.True(t, score.IsPositive())

	// Without IL (no loss in either token) the unpenalized gain would be higher.
	noLossFinal := validatorcore.MinerPortfolio{
		Inventory: validatorcore.Inventory{Amount0: decimal.NewFromInt(1000), Amount1: decimal.NewFromInt(2000)},
	}
	unpenalized, err := s.Score(initialInv, decimal.NewFromInt(1), noLossFinal, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.True(t, unpenalized.GreaterThan(score))
}

func TestUpdateEMA_FirstObservationSeeds(t *testing.T) {
	s := New()
	empty := validatorcore.MinerScore{MinerID: "m1", JobID: "job1"}
	updated := s.UpdateEMA(empty, validatorcore.RoundEval, decimal.NewFromInt(5), time.Now())
	assert.True(t, updated.HasEvalEMA)
	assert.True(t, updated.EvalEMA.Equal(decimal.NewFromInt(5)))
}

func TestUpdateEMA_SubsequentBlends(t *testing.T) {
	s := New()
	seeded := validatorcore.MinerScore{EvalEMA: decimal.NewFromInt(10), HasEvalEMA: true}
	updated := s.UpdateEMA(seeded, validatorcore.RoundEval, decimal.Zero, time.Now())
	// 0.9*10 + 0.1*0 = 9
	assert.True(t, updated.EvalEMA.Equal(decimal.NewFromFloat(9)))
}

func TestUpdateEMA_MonotonicDecayToZero(t *testing.T) {
	s := New()
	score := validatorcore.MinerScore{}
	for i := 0; i < 50; i++ {
		score = s.UpdateEMA(score, validatorcore.RoundEval, decimal.Zero, time.Now())
	}
	assert.True(t, score.EvalEMA.Abs().LessThan(decimal.NewFromFloat(0.0001)))
}

func TestUpdateEMA_CombinedUsesRawEMAs(t *testing.T) {
	s := New()
	score := validatorcore.MinerScore{}
	score = s.UpdateEMA(score, validatorcore.RoundEval, decimal.NewFromInt(10), time.Now())
	score = s.UpdateEMA(score, validatorcore.RoundLive, decimal.NewFromInt(20), time.Now())
	expected := decimal.NewFromFloat(0.6 * 10).Add(decimal.NewFromFloat(0.4 * 20))
	assert.True(t, score.Combined.Equal(expected), "combined=%s expected=%s", score.Combined, expected)
}
