// Package roundexec runs a single round: forward simulation with periodic
// rebalance checkpoints, parallel miner queries, and final portfolio
// collection. It is the heart of the orchestration pipeline.
package roundexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"subnetvalidator/internal/events"
	"subnetvalidator/internal/scorer"
	"subnetvalidator/internal/tickmath"
	"subnetvalidator/internal/validatorcore"
	"subnetvalidator/pkg/concurrency"
	apperrors "subnetvalidator/pkg/errors"
	"subnetvalidator/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxConsecutiveFailures is the number of consecutive checkpoint
// timeouts/transport errors after which a miner is marked refused.
const maxConsecutiveFailures = 3

// SimulatorFactory builds a fresh PoolSimulator for one miner, seeded at
// startBlock with that miner's copy of the round's initial state. source is
// a per-round memoizing wrapper over the Executor's Events Source, shared
// across every miner's simulator so overlapping block-range queries within
// the round are fetched once.
type SimulatorFactory func(ctx context.Context, minerID string, startBlock int64, source validatorcore.EventsSource) (validatorcore.PoolSimulator, error)

// Executor runs one round against a fixed set of miners.
type Executor struct {
	transport validatorcore.MinerTransport
	newSim    SimulatorFactory
	source    validatorcore.EventsSource
	timeout   time.Duration
	minerPool *concurrency.WorkerPool
	tracer    trace.Tracer
	logger    validatorcore.ILogger
}

// New creates an Executor. timeout is the per-miner query deadline
// (miner_timeout). minerPool bounds the number of miners queried
// concurrently within a single checkpoint; pass nil to query every miner
// in a checkpoint at once (fine for small miner sets, e.g. tests).
func New(transport validatorcore.MinerTransport, newSim SimulatorFactory, source validatorcore.EventsSource, timeout time.Duration, minerPool *concurrency.WorkerPool, logger validatorcore.ILogger) *Executor {
	return &Executor{
		transport: transport,
		newSim:    newSim,
		source:    source,
		timeout:   timeout,
		minerPool: minerPool,
		tracer:    telemetry.GetTracer("round-executor"),
		logger:    logger.WithField("component", "round_executor"),
	}
}

// Source returns the Events Source the Executor advances simulators
// against, for callers (the Jobs Scheduler) that need to resolve a price
// outside the per-round checkpoint loop, e.g. for scoring.
func (e *Executor) Source() validatorcore.EventsSource {
	return e.source
}

type minerState struct {
	sim                 validatorcore.PoolSimulator
	portfolio           validatorcore.MinerPortfolio
	decisions           []validatorcore.RebalanceDecision
	consecutiveFailures int
}

// Run executes round against miners, returning one Prediction per miner.
// It returns apperrors.ErrEventsUnavailable-wrapped errors only when
// the Events Source is unavailable for the round's whole block range; all
// other per-miner failures are absorbed into that miner's Prediction.
func (e *Executor) Run(
	ctx context.Context,
	round validatorcore.Round,
	miners []string,
	job validatorcore.Job,
) ([]validatorcore.Prediction, error) {
	ctx, span := e.tracer.Start(ctx, "round_executor.run")
	defer span.End()
	span.SetAttributes(attribute.String("round_id", round.RoundID), attribute.String("job_id", job.JobID))

	if len(miners) == 0 {
		return nil, nil
	}

	checkpoints := checkpointSchedule(round.StartBlock, round.EndBlock, job.CheckpointInterval)

	// Every miner's simulator shares one memoizing wrapper over the Events
	// Source for the round's lifetime: their checkpoint schedules overlap
	// almost entirely, so this collapses what would otherwise be
	// len(miners) duplicate queries per block range into one.
	roundSource := events.NewCachingSource(e.source)

	states := make(map[string]*minerState, len(miners))
	for _, m := range miners {
		sim, err := e.newSim(ctx, m, round.StartBlock, roundSource)
		if err != nil {
			return nil, fmt.Errorf("%w: build simulator for %s: %v", apperrors.ErrEventsUnavailable, m, err)
		}
		states[m] = &minerState{sim: sim}
	}

	for _, checkpoint := range checkpoints {
		if err := e.runCheckpoint(ctx, round, job, states, checkpoint); err != nil {
			return nil, err
		}
	}

	for m, st := range states {
		if st.portfolio.Refused {
			continue
		}
		if err := st.sim.AdvanceTo(ctx, round.EndBlock); err != nil {
			return nil, fmt.Errorf("%w: final advance for %s: %v", apperrors.ErrEventsUnavailable, m, err)
		}
		// Close every remaining position at the final price (spec.md §4.E
		// step 4): the open range's value must land in inventory before
		// scoring, or it silently drops out of final_value entirely.
		if err := st.sim.ApplyRebalance(m, nil); err != nil {
			return nil, fmt.Errorf("%w: final close for %s: %v", apperrors.ErrEventsUnavailable, m, err)
		}
		positions, inv, fees0, fees1 := st.sim.PortfolioOf(m)
		st.portfolio.Positions = positions
		st.portfolio.Inventory = inv
		st.portfolio.FeesAccrued0 = fees0
		st.portfolio.FeesAccrued1 = fees1

		// max_il is a validity constraint (spec.md §3), checked once against
		// the round's realized IL now that every position is closed into
		// inventory.
		if scorer.InvLoss(round.InitialInventory, st.portfolio).GreaterThan(round.Constraints.MaxIL) {
			st.portfolio.Violating = true
		}
	}

	predictions := make([]validatorcore.Prediction, 0, len(miners))
	for _, m := range miners {
		st := states[m]
		predictions = append(predictions, validatorcore.Prediction{
			RoundID:        round.RoundID,
			MinerID:        m,
			Accepted:       !st.portfolio.Refused,
			FinalPortfolio: st.portfolio,
			Decisions:      st.decisions,
		})
	}

	return predictions, nil
}

func (e *Executor) runCheckpoint(
	ctx context.Context,
	round validatorcore.Round,
	job validatorcore.Job,
	states map[string]*minerState,
	block int64,
) error {
	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)

	for minerID, st := range states {
		minerID, st := minerID, st
		if st.portfolio.Refused {
			continue
		}

		g.Go(func() error {
			var workErr error
			work := func() {
				workErr = e.queryOneMiner(gCtx, round, job, minerID, st, block, &mu)
			}
			// Bounding the fan-out to the configured worker pool keeps a
			// checkpoint's concurrent miner queries at the pool's size
			// instead of one goroutine per miner, regardless of roster size.
			if e.minerPool != nil {
				e.minerPool.SubmitAndWait(work)
			} else {
				work()
			}
			return workErr
		})
	}

	err := g.Wait()
	if e.minerPool != nil {
		if backlog := e.minerPool.Backlog(); backlog > 0 {
			e.logger.Warn("miner pool backlog after checkpoint", "round_id", round.RoundID, "block", block, "backlog", backlog)
		}
	}
	return err
}

// queryOneMiner advances minerID's simulator to block, issues the
// RebalanceQuery, and folds the response into st under mu. It never returns
// a non-nil error for miner-side failures (timeout, refusal, violation);
// those are recorded on st.portfolio instead. A non-nil error here means the
// Events Source failed to advance the simulator, which aborts the round.
func (e *Executor) queryOneMiner(
	gCtx context.Context,
	round validatorcore.Round,
	job validatorcore.Job,
	minerID string,
	st *minerState,
	block int64,
	mu *sync.Mutex,
) error {
	if err := st.sim.AdvanceTo(gCtx, block); err != nil {
		return fmt.Errorf("%w: advance %s to block %d: %v", apperrors.ErrEventsUnavailable, minerID, block, err)
	}

	positions, inv, fees0, fees1 := st.sim.PortfolioOf(minerID)
	state := st.sim.State()

	req := validatorcore.RebalanceQuery{
		JobID:              job.JobID,
		VaultAddress:       job.VaultAddress,
		PairAddress:        job.PairAddress,
		ChainID:            job.ChainID,
		RoundID:            round.RoundID,
		RoundType:          round.RoundType,
		BlockNumber:        block,
		CurrentPrice:       tickmath.PriceFromSqrtX96(state.SqrtPriceX96),
		CurrentPositions:   positions,
		InventoryRemaining: inv,
		RebalancesSoFar:    st.portfolio.RebalanceCount,
		Constraints:        round.Constraints,
	}

	deadline := time.Now().Add(e.timeout)
	resp, err := e.transport.Query(gCtx, minerID, req, deadline)

	mu.Lock()
	defer mu.Unlock()

	if err != nil {
		st.consecutiveFailures++
		if st.consecutiveFailures >= maxConsecutiveFailures {
			st.portfolio.Refused = true
			st.portfolio.FeesAccrued0, st.portfolio.FeesAccrued1 = fees0, fees1
			st.portfolio.Positions, st.portfolio.Inventory = positions, inv
		}
		return nil
	}
	st.consecutiveFailures = 0

	if !resp.Accepted {
		st.portfolio.Refused = true
		st.portfolio.FeesAccrued0, st.portfolio.FeesAccrued1 = fees0, fees1
		st.portfolio.Positions, st.portfolio.Inventory = positions, inv
		return nil
	}

	if positionsEqual(positions, resp.DesiredPositions) {
		return nil
	}

	if err := validateConstraints(resp.DesiredPositions, round.Constraints); err != nil {
		st.portfolio.Violating = true
		return nil
	}

	if err := st.sim.ApplyRebalance(minerID, resp.DesiredPositions); err != nil {
		st.portfolio.Violating = true
		return nil
	}

	st.decisions = append(st.decisions, validatorcore.RebalanceDecision{
		CheckpointBlock:  block,
		DesiredPositions: resp.DesiredPositions,
	})

	st.portfolio.RebalanceCount++
	if st.portfolio.RebalanceCount > round.Constraints.MaxRebalances {
		st.portfolio.Violating = true
	}

	return nil
}

func checkpointSchedule(start, end, interval int64) []int64 {
	if interval <= 0 {
		return []int64{end}
	}
	var out []int64
	for b := start; b < end; b += interval {
		out = append(out, b)
	}
	out = append(out, end)
	return out
}

func positionsEqual(a, b []validatorcore.Position) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
	for _, pa := range a {
		found := false
		for i, pb := range b {
			if used[i] {
				continue
			}
			if pa.Equal(pb) {
				used[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func validateConstraints(positions []validatorcore.Position, c validatorcore.Constraints) error {
	for _, p := range positions {
		if p.Width() < c.MinTickWidth {
			return apperrors.ErrTickWidthViolation
		}
	}
	return nil
}
