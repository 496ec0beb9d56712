package reputation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subnetvalidator/internal/scorer"
	"subnetvalidator/internal/validatorcore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "reputation.db")
	store, err := NewStore(dbPath, scorer.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpdateScores_SeedsThenBlends(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpdateScores(ctx, "job1", []validatorcore.ScoreUpdate{
		{MinerID: "miner1", Score: decimal.NewFromInt(10), RoundType: validatorcore.RoundEval, At: time.Now()},
	})
	require.NoError(t, err)

	scores, err := store.GetScores(ctx, "job1")
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.True(t, scores[0].EvalEMA.Equal(decimal.NewFromInt(10)))

	err = store.UpdateScores(ctx, "job1", []validatorcore.ScoreUpdate{
		{MinerID: "miner1", Score: decimal.Zero, RoundType: validatorcore.RoundEval, At: time.Now()},
	})
	require.NoError(t, err)

	scores, err = store.GetScores(ctx, "job1")
	require.NoError(t, err)
	assert.True(t, scores[0].EvalEMA.Equal(decimal.NewFromFloat(9)))
}

func TestRecordParticipation_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordParticipation(ctx, "miner1", "job1", "2026-07-30"))
	require.NoError(t, store.RecordParticipation(ctx, "miner1", "job1", "2026-07-30"))
}

func TestListEligible_RequiresAllSevenDays(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	asOf := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 6; i++ {
		day := asOf.AddDate(0, 0, -i).Format("2006-01-02")
		require.NoError(t, store.RecordParticipation(ctx, "miner1", "job1", day))
	}

	eligible, err := store.ListEligible(ctx, "job1", asOf)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	require.NoError(t, store.RecordParticipation(ctx, "miner1", "job1", asOf.Format("2006-01-02")))

	eligible, err = store.ListEligible(ctx, "job1", asOf)
	require.NoError(t, err)
	assert.Contains(t, eligible, "miner1")
}

func TestArchiveRound_PersistsRoundAndPredictions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	round := validatorcore.Round{
		RoundID:    "round1",
		JobID:      "job1",
		RoundType:  validatorcore.RoundEval,
		StartBlock: 100,
		EndBlock:   200,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		Status:     validatorcore.RoundCompleted,
	}
	predictions := []validatorcore.Prediction{
		{RoundID: "round1", MinerID: "miner1", Accepted: true, RawScore: decimal.NewFromInt(5)},
	}

	require.NoError(t, store.ArchiveRound(ctx, round, predictions))
}
