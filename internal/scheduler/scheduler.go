// Package scheduler drives each job's independent round loop: at every
// tick it launches an evaluation round against all registered miners and,
// when the previous round's winner is eligible, a live round alongside it.
// It is grounded on the teacher's per-entity orchestrator (one manager per
// trading symbol, channel-routed updates, a mutex-guarded registration
// map) generalized from one SymbolManager per symbol to one jobRunner per
// job_id driving rounds instead of price/order events.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"subnetvalidator/internal/healthz"
	"subnetvalidator/internal/livegate"
	"subnetvalidator/internal/roundexec"
	"subnetvalidator/internal/scorer"
	"subnetvalidator/internal/tickmath"
	"subnetvalidator/internal/validatorcore"
	apperrors "subnetvalidator/pkg/errors"
	"subnetvalidator/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// JobParams bundles one job's immutable configuration and the collaborators
// the Scheduler needs to drive its round loop, beyond the shared
// collaborators passed to New.
type JobParams struct {
	Job              validatorcore.Job
	Constraints      validatorcore.Constraints
	InitialInventory validatorcore.Inventory
	InitialPositions []validatorcore.Position
	Executor         *roundexec.Executor

	// Health, if non-nil, is updated with each round's outcome so a process
	// health check can surface a job stuck aborting every round.
	Health *healthz.JobHealth
}

// Scheduler runs one independent round loop per registered job. Two rounds
// for the same job never overlap; distinct jobs run fully concurrently.
// All job loops share the context passed to Run; there is no per-job
// cancellation.
type Scheduler struct {
	store    validatorcore.ReputationStore
	registry validatorcore.MinerRegistry
	windows  validatorcore.RoundWindowSource
	gate     *livegate.Gate
	scorer   validatorcore.Scorer
	logger   validatorcore.ILogger
	tracer   trace.Tracer

	minerTimeout time.Duration

	roundsCompleted metric.Int64Counter
	roundsAborted   metric.Int64Counter

	mu      sync.RWMutex
	runners map[string]*jobRunner
}

// New builds a Scheduler. minerTimeout is the per-miner query deadline
// (miner_timeout) used to size each round's soft deadline and shutdown
// grace period.
func New(
	store validatorcore.ReputationStore,
	registry validatorcore.MinerRegistry,
	windows validatorcore.RoundWindowSource,
	gate *livegate.Gate,
	minerTimeout time.Duration,
	logger validatorcore.ILogger,
) *Scheduler {
	meter := telemetry.GetMeter("scheduler")
	roundsCompleted, _ := meter.Int64Counter(telemetry.MetricRoundsCompleted)
	roundsAborted, _ := meter.Int64Counter(telemetry.MetricRoundsAborted)

	return &Scheduler{
		store:           store,
		registry:        registry,
		windows:         windows,
		gate:            gate,
		scorer:          scorer.New(),
		logger:          logger.WithField("component", "scheduler"),
		tracer:          telemetry.GetTracer("scheduler"),
		minerTimeout:    minerTimeout,
		roundsCompleted: roundsCompleted,
		roundsAborted:   roundsAborted,
		runners:         make(map[string]*jobRunner),
	}
}

// AddJob registers a job with the Scheduler. It must be called before Run;
// jobs cannot be added to an already-running Scheduler.
func (s *Scheduler) AddJob(params JobParams) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runners[params.Job.JobID] = &jobRunner{
		sched:  s,
		params: params,
		logger: s.logger.WithField("job_id", params.Job.JobID),
	}
}

// Run launches every registered job's round loop and blocks until ctx is
// cancelled or a job loop returns a fatal error. On cancellation, in-flight
// rounds are given up to one miner_timeout to finish before their context
// is cancelled; partial results are discarded, not archived.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.RLock()
	runners := make([]*jobRunner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.RUnlock()

	if len(runners) == 0 {
		s.logger.Warn("scheduler started with no active jobs")
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		if !r.params.Job.Active {
			continue
		}
		g.Go(func() error {
			return r.loop(gCtx, s.minerTimeout)
		})
	}
	return g.Wait()
}

// jobRunner drives one job's independent round loop: eval round every tick,
// live round alongside it when the previous tick's winner is eligible.
type jobRunner struct {
	sched  *Scheduler
	params JobParams
	logger validatorcore.ILogger

	mu         sync.Mutex
	lastWinner string
}

func (r *jobRunner) loop(ctx context.Context, minerTimeout time.Duration) error {
	job := r.params.Job
	ticker := time.NewTicker(job.RoundDuration)
	defer ticker.Stop()

	r.logger.Info("job loop started", "round_duration", job.RoundDuration)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job loop stopping")
			return nil
		case <-ticker.C:
			// Soft deadline: round_duration * 1.25 (section 5) plus one
			// miner_timeout. On shutdown (ctx cancelled), this tick's rounds
			// get at most one miner_timeout of grace before their context
			// is cancelled.
			tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(float64(job.RoundDuration)*1.25)+minerTimeout)
			stopGrace := context.AfterFunc(ctx, func() {
				time.AfterFunc(minerTimeout, cancel)
			})
			r.tick(tickCtx)
			stopGrace()
			cancel()
		}
	}
}

// tick runs one scheduled evaluation round, and — if the previous tick's
// winner is currently eligible — a live round concurrently. The two rounds
// for this job never overlap with a subsequent tick's rounds because both
// must finish (or be aborted by tickCtx) before loop's select statement
// runs again.
func (r *jobRunner) tick(ctx context.Context) {
	job := r.params.Job

	miners, err := r.sched.registry.ActiveMiners(ctx, job.JobID)
	if err != nil {
		r.logger.Error("failed to list active miners, skipping tick", "error", err)
		return
	}

	var wg sync.WaitGroup
	var evalWinner string
	var evalScore decimal.Decimal
	var evalWinnerDecisions []validatorcore.RebalanceDecision

	wg.Add(1)
	go func() {
		defer wg.Done()
		evalWinner, evalScore, evalWinnerDecisions = r.runRound(ctx, validatorcore.RoundEval, miners)
	}()

	r.mu.Lock()
	candidate := r.lastWinner
	r.mu.Unlock()

	if candidate != "" {
		eligible, err := r.sched.store.ListEligible(ctx, job.JobID, time.Now())
		if err != nil {
			r.logger.Error("failed to check live eligibility", "error", err)
		} else {
			telemetry.GetGlobalMetrics().SetEligibleMinerCount(job.JobID, int64(len(eligible)))
		}
		if err == nil && contains(eligible, candidate) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				winner, _, decisions := r.runRound(ctx, validatorcore.RoundLive, []string{candidate})
				if winner != "" {
					roundID := uuid.NewString()
					if err := r.sched.gate.Submit(ctx, job.JobID, roundID, winner, decisions); err != nil {
						r.logger.Error("live gate submit failed", "error", err)
					}
				}
			}()
		}
	}

	wg.Wait()

	if evalWinner != "" {
		r.mu.Lock()
		r.lastWinner = evalWinner
		r.mu.Unlock()
	}
	_ = evalScore
	_ = evalWinnerDecisions
}

// runRound frames and executes one round of roundType against miners,
// scores the result, and folds scores into the Reputation Store. It
// returns the winning miner_id (by raw score, per section 4.H.1) and its
// decision sequence, or "" if the round produced no scored winner.
func (r *jobRunner) runRound(ctx context.Context, roundType validatorcore.RoundType, miners []string) (winnerID string, winnerScore decimal.Decimal, winnerDecisions []validatorcore.RebalanceDecision) {
	job := r.params.Job
	ctx, span := r.sched.tracer.Start(ctx, "scheduler.run_round")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", job.JobID), attribute.String("round_type", string(roundType)))

	startBlock, endBlock, err := r.sched.windows.NextWindow(ctx, job.JobID, job.PairAddress, job.ChainID, job.RoundDuration)
	if err != nil {
		r.logger.Error("failed to frame round window", "error", err)
		return "", decimal.Zero, nil
	}

	round := validatorcore.Round{
		RoundID:          uuid.NewString(),
		JobID:            job.JobID,
		RoundType:        roundType,
		StartBlock:       startBlock,
		EndBlock:         endBlock,
		StartedAt:        time.Now(),
		Constraints:      r.params.Constraints,
		InitialInventory: r.params.InitialInventory,
		InitialPositions: r.params.InitialPositions,
	}

	predictions, err := r.params.Executor.Run(ctx, round, miners, job)
	if err != nil {
		round.FinishedAt = time.Now()
		round.Status = validatorcore.RoundAborted
		r.logger.Warn("round aborted", "round_id", round.RoundID, "error", err)
		r.sched.roundsAborted.Add(ctx, 1, metric.WithAttributes(attribute.String("job_id", job.JobID)))
		if r.params.Health != nil {
			r.params.Health.RecordFailure(err)
		}
		return "", decimal.Zero, nil
	}
	round.FinishedAt = time.Now()
	round.Status = validatorcore.RoundCompleted
	r.sched.roundsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("job_id", job.JobID)))
	if r.params.Health != nil {
		r.params.Health.RecordSuccess()
	}

	if len(predictions) == 0 {
		return "", decimal.Zero, nil
	}

	r.scoreRound(ctx, round, predictions)

	if err := r.sched.store.ArchiveRound(ctx, round, predictions); err != nil {
		r.logger.Error("failed to archive round", "round_id", round.RoundID, "error", err)
	}

	return pickWinner(predictions, r.params.InitialInventory)
}

// scoreRound computes each non-refused prediction's raw score, records
// participation for non-refused miners, and folds scores into the
// Reputation Store under the job's write lock. Refused miners are omitted
// entirely (no score update, no participation credit); violating miners
// are recorded with score 0 per the documented open-question resolution
// (section 4.F / section 9): violations update the EMA with 0, refusals skip it.
func (r *jobRunner) scoreRound(ctx context.Context, round validatorcore.Round, predictions []validatorcore.Prediction) {
	job := r.params.Job

	initialPrice, err := r.priceAt(ctx, job.PairAddress, round.StartBlock)
	if err != nil {
		r.logger.Error("failed to resolve initial price, skipping scoring", "error", err)
		return
	}
	finalPrice, err := r.priceAt(ctx, job.PairAddress, round.EndBlock)
	if err != nil {
		r.logger.Error("failed to resolve final price, skipping scoring", "error", err)
		return
	}

	var updates []validatorcore.ScoreUpdate
	now := time.Now()

	for i := range predictions {
		p := &predictions[i]
		if p.FinalPortfolio.Refused {
			continue
		}

		if p.FinalPortfolio.Violating {
			p.RawScore = decimal.Zero
		} else {
			score, err := r.sched.scorer.Score(r.params.InitialInventory, initialPrice, p.FinalPortfolio, finalPrice)
			if err != nil {
				r.logger.Error("scoring failed for miner, treating as violation", "miner_id", p.MinerID, "error", err)
				p.RawScore = decimal.Zero
			} else {
				p.RawScore = score
			}
		}

		updates = append(updates, validatorcore.ScoreUpdate{
			MinerID:   p.MinerID,
			Score:     p.RawScore,
			RoundType: round.RoundType,
			At:        now,
		})

		if round.RoundType == validatorcore.RoundEval {
			if err := r.sched.store.RecordParticipation(ctx, p.MinerID, job.JobID, now.UTC().Format("2006-01-02")); err != nil {
				r.logger.Error("failed to record participation", "miner_id", p.MinerID, "error", err)
			}
		}
	}

	rankPredictions(predictions, r.params.InitialInventory)

	if len(updates) == 0 {
		return
	}
	if err := r.sched.store.UpdateScores(ctx, job.JobID, updates); err != nil {
		r.logger.Error("failed to update scores", "job_id", job.JobID, "error", fmt.Errorf("%w: %v", apperrors.ErrReputationStore, err))
		return
	}

	r.publishScoreMetrics(ctx, job.JobID, updates)
}

// publishScoreMetrics re-reads job's scores after a successful UpdateScores
// and republishes each updated miner's EMA snapshot to the process-wide
// metrics holder, so validator_eval_ema/validator_live_ema/
// validator_combined_score reflect the just-written state.
func (r *jobRunner) publishScoreMetrics(ctx context.Context, jobID string, updates []validatorcore.ScoreUpdate) {
	scores, err := r.sched.store.GetScores(ctx, jobID)
	if err != nil {
		return
	}
	byMiner := make(map[string]validatorcore.MinerScore, len(scores))
	for _, s := range scores {
		byMiner[s.MinerID] = s
	}

	holder := telemetry.GetGlobalMetrics()
	for _, u := range updates {
		s, ok := byMiner[u.MinerID]
		if !ok {
			continue
		}
		evalEMA, _ := s.EvalEMA.Float64()
		liveEMA, _ := s.LiveEMA.Float64()
		combined, _ := s.Combined.Float64()
		holder.SetEMA(jobID+"/"+u.MinerID, evalEMA, liveEMA, combined)
	}
}

func (r *jobRunner) priceAt(ctx context.Context, pool string, block int64) (decimal.Decimal, error) {
	source := r.params.Executor.Source()
	sqrtPriceX96, err := source.PriceAtOrBefore(ctx, pool, block)
	if err != nil {
		return decimal.Zero, err
	}
	return tickmath.PriceFromSqrtX96(sqrtPriceX96), nil
}

// rankPredictions fills NormalizedRank in place, highest score first; ties
// broken by lower inv_loss then by miner_id, per section 4.F.
func rankPredictions(predictions []validatorcore.Prediction, initialInv validatorcore.Inventory) {
	type ranked struct {
		idx     int
		score   decimal.Decimal
		invLoss decimal.Decimal
		minerID string
	}
	rs := make([]ranked, len(predictions))
	for i, p := range predictions {
		rs[i] = ranked{idx: i, score: p.RawScore, invLoss: scorer.InvLoss(initialInv, p.FinalPortfolio), minerID: p.MinerID}
	}

	for i := 1; i < len(rs); i++ {
		for j := i; j > 0; j-- {
			if less(rs[j], rs[j-1]) {
				rs[j], rs[j-1] = rs[j-1], rs[j]
			} else {
				break
			}
		}
	}

	for rank, entry := range rs {
		predictions[entry.idx].NormalizedRank = rank + 1
	}
}

// less reports whether a ranks strictly ahead of b: higher score first,
// then lower inv_loss, then lexically-lower miner_id.
func less(a, b struct {
	idx     int
	score   decimal.Decimal
	invLoss decimal.Decimal
	minerID string
}) bool {
	if !a.score.Equal(b.score) {
		return a.score.GreaterThan(b.score)
	}
	if !a.invLoss.Equal(b.invLoss) {
		return a.invLoss.LessThan(b.invLoss)
	}
	return a.minerID < b.minerID
}

// pickWinner returns the highest-raw-score non-refused, non-violating
// miner (section 4.H.1: "previous-round winner (highest raw eval score, not
// EMA)") along with its decision sequence.
func pickWinner(predictions []validatorcore.Prediction, initialInv validatorcore.Inventory) (string, decimal.Decimal, []validatorcore.RebalanceDecision) {
	var winner *validatorcore.Prediction
	for i := range predictions {
		p := &predictions[i]
		if p.FinalPortfolio.Refused || p.FinalPortfolio.Violating {
			continue
		}
		if winner == nil || p.RawScore.GreaterThan(winner.RawScore) {
			winner = p
		}
	}
	if winner == nil {
		return "", decimal.Zero, nil
	}
	return winner.MinerID, winner.RawScore, winner.Decisions
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
