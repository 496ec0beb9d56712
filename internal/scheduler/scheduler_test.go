package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subnetvalidator/internal/livegate"
	"subnetvalidator/internal/minertransport"
	"subnetvalidator/internal/poolsim"
	"subnetvalidator/internal/reputation"
	"subnetvalidator/internal/roundexec"
	"subnetvalidator/internal/scorer"
	"subnetvalidator/internal/tickmath"
	"subnetvalidator/internal/validatorcore"
	"subnetvalidator/pkg/logging"
)

type fakeSource struct{}

func (fakeSource) EventsIn(ctx context.Context, pool string, fromBlock, toBlock int64) ([]validatorcore.PoolEvent, error) {
	return nil, nil
}

func (fakeSource) PriceAtOrBefore(ctx context.Context, pool string, block int64) (decimal.Decimal, error) {
	return tickmath.SqrtPrice(tickmath.PriceOfTick(0)), nil
}

type fakeRegistry struct {
	miners []string
}

func (f fakeRegistry) ActiveMiners(_ context.Context, _ string) ([]string, error) {
	return f.miners, nil
}

type fakeWindows struct {
	block int64
}

func (f *fakeWindows) NextWindow(_ context.Context, _, _ string, _ int64, _ time.Duration) (int64, int64, error) {
	start := f.block
	f.block += 100
	return start, f.block, nil
}

type fakeSink struct {
	calls int
}

func (f *fakeSink) Submit(_ context.Context, _ string, _ []validatorcore.RebalanceDecision) error {
	f.calls++
	return nil
}

func testLogger() validatorcore.ILogger {
	return logging.NewLogger(logging.InfoLevel, nil)
}

func newTestScheduler(t *testing.T, miners []string) (*Scheduler, *jobRunner, *reputation.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reputation.db")
	store, err := reputation.NewStore(dbPath, scorer.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := fakeRegistry{miners: miners}
	windows := &fakeWindows{}
	gate := livegate.New(nil, &fakeSink{}, store, testLogger())

	sched := New(store, registry, windows, gate, time.Second, testLogger())

	source := fakeSource{}
	mock := minertransport.NewInProcessMock()
	for _, m := range miners {
		mock.Register(m, func(req validatorcore.RebalanceQuery) (validatorcore.RebalanceResponse, error) {
			return validatorcore.RebalanceResponse{Accepted: true, DesiredPositions: req.CurrentPositions}, nil
		})
	}

	startState := validatorcore.PoolState{
		SqrtPriceX96: tickmath.SqrtPrice(tickmath.PriceOfTick(0)),
		FeeTier:      decimal.NewFromFloat(0.003),
	}
	initialInventory := validatorcore.Inventory{Amount0: decimal.NewFromInt(1000), Amount1: decimal.NewFromInt(1000)}
	initialPositions := []validatorcore.Position{
		{TickLower: -100, TickUpper: 100, Amount0: decimal.NewFromInt(500), Amount1: decimal.NewFromInt(500)},
	}

	factory := func(ctx context.Context, minerID string, startBlock int64, src validatorcore.EventsSource) (validatorcore.PoolSimulator, error) {
		st := startState
		st.Block = startBlock
		return poolsim.New("pool1", minerID, st.FeeTier, src, st, initialPositions, initialInventory, testLogger())
	}

	executor := roundexec.New(mock, factory, source, time.Second, nil, testLogger())

	job := validatorcore.Job{
		JobID:              "job1",
		PairAddress:        "pool1",
		ChainID:            1,
		RoundDuration:      time.Millisecond,
		CheckpointInterval: 50,
		Active:             true,
	}

	sched.AddJob(JobParams{
		Job:              job,
		Constraints:      validatorcore.Constraints{MinTickWidth: 1, MaxRebalances: 4},
		InitialInventory: initialInventory,
		InitialPositions: initialPositions,
		Executor:         executor,
	})

	return sched, sched.runners["job1"], store
}

func TestRunRound_ScoresAndArchivesEvalRound(t *testing.T) {
	_, runner, store := newTestScheduler(t, []string{"miner1", "miner2"})

	winner, _, _ := runner.runRound(context.Background(), validatorcore.RoundEval, []string{"miner1", "miner2"})
	assert.NotEmpty(t, winner)

	scores, err := store.GetScores(context.Background(), "job1")
	require.NoError(t, err)
	assert.Len(t, scores, 2)
}

func TestTick_PromotesPreviousWinnerToLiveRound(t *testing.T) {
	_, runner, store := newTestScheduler(t, []string{"miner1"})

	ctx := context.Background()
	runner.tick(ctx)
	require.NotEmpty(t, runner.lastWinner)

	for i := 0; i < 7; i++ {
		require.NoError(t, runner.sched.store.RecordParticipation(ctx, "miner1", "job1", time.Now().AddDate(0, 0, -i).UTC().Format("2006-01-02")))
	}

	runner.tick(ctx)

	scores, err := store.GetScores(ctx, "job1")
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.True(t, scores[0].HasLiveEMA)
}

func TestRankPredictions_OrdersByScoreThenInvLossThenMinerID(t *testing.T) {
	predictions := []validatorcore.Prediction{
		{MinerID: "b", RawScore: decimal.NewFromInt(10), FinalPortfolio: validatorcore.MinerPortfolio{Inventory: validatorcore.Inventory{Amount0: decimal.NewFromInt(100), Amount1: decimal.NewFromInt(100)}}},
		{MinerID: "a", RawScore: decimal.NewFromInt(10), FinalPortfolio: validatorcore.MinerPortfolio{Inventory: validatorcore.Inventory{Amount0: decimal.NewFromInt(100), Amount1: decimal.NewFromInt(100)}}},
		{MinerID: "c", RawScore: decimal.NewFromInt(20), FinalPortfolio: validatorcore.MinerPortfolio{Inventory: validatorcore.Inventory{Amount0: decimal.NewFromInt(100), Amount1: decimal.NewFromInt(100)}}},
	}
	initialInv := validatorcore.Inventory{Amount0: decimal.NewFromInt(100), Amount1: decimal.NewFromInt(100)}

	rankPredictions(predictions, initialInv)

	ranks := map[string]int{}
	for _, p := range predictions {
		ranks[p.MinerID] = p.NormalizedRank
	}
	assert.Equal(t, 1, ranks["c"])
	assert.Equal(t, 2, ranks["a"])
	assert.Equal(t, 3, ranks["b"])
}
