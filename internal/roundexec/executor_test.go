package roundexec

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subnetvalidator/internal/minertransport"
	"subnetvalidator/internal/poolsim"
	"subnetvalidator/internal/tickmath"
	"subnetvalidator/internal/validatorcore"
	"subnetvalidator/pkg/logging"
)

type noopSource struct{}

func (noopSource) EventsIn(ctx context.Context, pool string, fromBlock, toBlock int64) ([]validatorcore.PoolEvent, error) {
	return nil, nil
}

func (noopSource) PriceAtOrBefore(ctx context.Context, pool string, block int64) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func testLogger() validatorcore.ILogger {
	return logging.NewLogger(logging.InfoLevel, nil)
}

func newTestExecutor(t *testing.T, transport validatorcore.MinerTransport) *Executor {
	t.Helper()
	source := noopSource{}
	startState := validatorcore.PoolState{
		Block:        100,
		SqrtPriceX96: tickmath.SqrtPrice(tickmath.PriceOfTick(0)).Mul(decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)),
		CurrentTick:  0,
		FeeTier:      decimal.NewFromFloat(0.003),
	}
	initialPositions := []validatorcore.Position{
		{TickLower: -100, TickUpper: 100, Amount0: decimal.NewFromInt(1000), Amount1: decimal.NewFromInt(1000)},
	}

	factory := func(ctx context.Context, minerID string, startBlock int64, src validatorcore.EventsSource) (validatorcore.PoolSimulator, error) {
		return poolsim.New("pool1", minerID, startState.FeeTier, src, startState, initialPositions, validatorcore.Inventory{}, testLogger())
	}

	return New(transport, factory, source, time.Second, nil, testLogger())
}

func TestExecutor_Run_EmptyMinerSet(t *testing.T) {
	mock := minertransport.NewInProcessMock()
	exec := newTestExecutor(t, mock)

	preds, err := exec.Run(context.Background(), validatorcore.Round{RoundID: "r1"}, nil, validatorcore.Job{CheckpointInterval: 50})
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestExecutor_Run_NoOpRebalance_NoViolation(t *testing.T) {
	mock := minertransport.NewInProcessMock()
	mock.Register("miner1", func(req validatorcore.RebalanceQuery) (validatorcore.RebalanceResponse, error) {
		return validatorcore.RebalanceResponse{Accepted: true, DesiredPositions: req.CurrentPositions}, nil
	})
	exec := newTestExecutor(t, mock)

	round := validatorcore.Round{
		RoundID:     "r1",
		StartBlock:  100,
		EndBlock:    200,
		Constraints: validatorcore.Constraints{MinTickWidth: 1, MaxRebalances: 4},
	}
	job := validatorcore.Job{CheckpointInterval: 50}

	preds, err := exec.Run(context.Background(), round, []string{"miner1"}, job)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.True(t, preds[0].Accepted)
	assert.False(t, preds[0].FinalPortfolio.Violating)
	assert.Equal(t, 0, preds[0].FinalPortfolio.RebalanceCount)
}

func TestExecutor_Run_Refusal(t *testing.T) {
	mock := minertransport.NewInProcessMock()
	mock.Register("miner1", func(req validatorcore.RebalanceQuery) (validatorcore.RebalanceResponse, error) {
		return validatorcore.RebalanceResponse{Accepted: false}, nil
	})
	exec := newTestExecutor(t, mock)

	round := validatorcore.Round{
		RoundID:     "r1",
		StartBlock:  100,
		EndBlock:    200,
		Constraints: validatorcore.Constraints{MinTickWidth: 1, MaxRebalances: 4},
	}
	job := validatorcore.Job{CheckpointInterval: 50}

	preds, err := exec.Run(context.Background(), round, []string{"miner1"}, job)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.False(t, preds[0].Accepted)
	assert.True(t, preds[0].FinalPortfolio.Refused)
}

func TestExecutor_Run_TransportFlake_MarksRefusedAfterThreeFailures(t *testing.T) {
	mock := minertransport.NewInProcessMock()
	mock.Register("miner1", func(req validatorcore.RebalanceQuery) (validatorcore.RebalanceResponse, error) {
		return validatorcore.RebalanceResponse{Accepted: true, DesiredPositions: req.CurrentPositions}, nil
	})
	mock.FailNext("miner1", 3)
	exec := newTestExecutor(t, mock)

	round := validatorcore.Round{
		RoundID:     "r1",
		StartBlock:  100,
		EndBlock:    300,
		Constraints: validatorcore.Constraints{MinTickWidth: 1, MaxRebalances: 4},
	}
	job := validatorcore.Job{CheckpointInterval: 50}

	preds, err := exec.Run(context.Background(), round, []string{"miner1"}, job)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.True(t, preds[0].FinalPortfolio.Refused)
}

func TestExecutor_Run_MaxILExceeded_MarksViolating(t *testing.T) {
	mock := minertransport.NewInProcessMock()
	mock.Register("miner1", func(req validatorcore.RebalanceQuery) (validatorcore.RebalanceResponse, error) {
		return validatorcore.RebalanceResponse{Accepted: true, DesiredPositions: req.CurrentPositions}, nil
	})
	exec := newTestExecutor(t, mock)

	round := validatorcore.Round{
		RoundID:    "r1",
		StartBlock: 100,
		EndBlock:   200,
		// initial_inventory deliberately exceeds what the miner ends up
		// holding, simulating a round realizing IL above the 0.1 max_il
		// constraint.
		InitialInventory: validatorcore.Inventory{Amount0: decimal.NewFromInt(2000), Amount1: decimal.NewFromInt(1000)},
		Constraints:      validatorcore.Constraints{MaxIL: decimal.NewFromFloat(0.1), MinTickWidth: 1, MaxRebalances: 4},
	}
	job := validatorcore.Job{CheckpointInterval: 50}

	preds, err := exec.Run(context.Background(), round, []string{"miner1"}, job)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.True(t, preds[0].FinalPortfolio.Violating)
}

func TestExecutor_Run_OverRebalance_MarksViolating(t *testing.T) {
	mock := minertransport.NewInProcessMock()
	count := 0
	mock.Register("miner1", func(req validatorcore.RebalanceQuery) (validatorcore.RebalanceResponse, error) {
		count++
		return validatorcore.RebalanceResponse{
			Accepted: true,
			DesiredPositions: []validatorcore.Position{
				{TickLower: -int32(100 + count), TickUpper: int32(100 + count), Amount0: decimal.NewFromInt(100), Amount1: decimal.NewFromInt(100)},
			},
		}, nil
	})
	exec := newTestExecutor(t, mock)

	round := validatorcore.Round{
		RoundID:     "r1",
		StartBlock:  100,
		EndBlock:    400,
		Constraints: validatorcore.Constraints{MinTickWidth: 1, MaxRebalances: 2},
	}
	job := validatorcore.Job{CheckpointInterval: 50}

	preds, err := exec.Run(context.Background(), round, []string{"miner1"}, job)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.True(t, preds[0].FinalPortfolio.Violating)
}
