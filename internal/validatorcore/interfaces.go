package validatorcore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the structured-logging interface every component depends on,
// never a concrete logging library.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// EventsSource is the read-only historical/live pool-event query contract.
type EventsSource interface {
	// EventsIn returns the ordered stream of pool events in [fromBlock,
	// toBlock], strictly ascending by (block_number, log_index). An empty
	// slice with a nil error is a valid "no events in range" result.
	EventsIn(ctx context.Context, pool string, fromBlock, toBlock int64) ([]PoolEvent, error)

	// PriceAtOrBefore returns the last known sqrt_price at block <= target,
	// or apperrors.ErrEventsNotFound if none exists.
	PriceAtOrBefore(ctx context.Context, pool string, block int64) (decimal.Decimal, error)
}

// PoolSimulator is a stateful per-pool forward simulator. One instance is
// created per miner per round; instances sharing an event stream never
// share mutable state.
type PoolSimulator interface {
	// AdvanceTo consumes all events up to and including block, updating
	// pool state and crediting in-range positions with pro-rata fees.
	AdvanceTo(ctx context.Context, block int64) error

	// ApplyRebalance closes owner's current positions at the current
	// price, credits fees/returns unused amounts to inventory, then opens
	// newPositions from that inventory.
	ApplyRebalance(owner string, newPositions []Position) error

	// PortfolioOf returns owner's current positions, inventory, and
	// accrued fees.
	PortfolioOf(owner string) (positions []Position, inv Inventory, fees0, fees1 decimal.Decimal)

	// State returns the simulator's current pool state.
	State() PoolState
}

// MinerTransport abstracts the unary request/response call to a named
// miner with a deadline. Implementations may be HTTP, RPC, or in-process.
type MinerTransport interface {
	Query(ctx context.Context, minerID string, req RebalanceQuery, deadline time.Time) (RebalanceResponse, error)
}

// Scorer computes the PoL penalty score for a completed miner portfolio and
// folds it into the EMA pair it is handed.
type Scorer interface {
	// Score computes the raw PoL score for one miner's round outcome.
	// Constraint validation happens before Score is called; callers must
	// not invoke it for a miner already marked Violating.
	Score(initialInv Inventory, initialPrice decimal.Decimal, final MinerPortfolio, finalPrice decimal.Decimal) (decimal.Decimal, error)

	// UpdateEMA folds a raw score into the (eval_ema, live_ema, combined)
	// triple per the round type, seeding on first observation.
	UpdateEMA(current MinerScore, roundType RoundType, score decimal.Decimal, at time.Time) MinerScore
}

// ReputationStore is the persistent per-(miner,job) score, participation,
// and round-archive store. EMA updates for a single job_id are serialized;
// cross-job updates proceed independently.
type ReputationStore interface {
	GetScores(ctx context.Context, jobID string) ([]MinerScore, error)
	UpdateScores(ctx context.Context, jobID string, updates []ScoreUpdate) error
	RecordParticipation(ctx context.Context, minerID, jobID, utcDate string) error
	ArchiveRound(ctx context.Context, round Round, predictions []Prediction) error
	ListEligible(ctx context.Context, jobID string, asOf time.Time) ([]string, error)

	// RecordLiveExecution idempotently inserts a "pending" live_executions
	// row for roundID if one does not already exist. It reports alreadyDone
	// = true when a row for roundID exists with status "submitted", letting
	// the Live Gate skip a redundant sink call on workflow resumption.
	RecordLiveExecution(ctx context.Context, roundID, jobID, minerID, status string, at time.Time) (alreadyDone bool, err error)

	// MarkLiveExecutionSubmitted transitions roundID's live_executions row
	// to "submitted" after a successful sink call.
	MarkLiveExecutionSubmitted(ctx context.Context, roundID string) error
}

// ScoreUpdate is one miner's scoring outcome to fold into the Reputation
// Store under the job's write lock.
type ScoreUpdate struct {
	MinerID   string
	Score     decimal.Decimal
	RoundType RoundType
	At        time.Time
}

// ExecutorSink is the downstream, idempotent-by-round_id handoff target for
// a live round's winning decision sequence.
type ExecutorSink interface {
	Submit(ctx context.Context, roundID string, decisions []RebalanceDecision) error
}

// MinerRegistry lists the miners currently registered to query for a job.
// Miner discovery is out of scope (section 1 Non-goals); the Jobs Scheduler only
// needs this read.
type MinerRegistry interface {
	ActiveMiners(ctx context.Context, jobID string) ([]string, error)
}

// RoundWindowSource frames the [start_block, end_block] a new round should
// span for a job, one level above the raw Events Source: block production
// and chain-head tracking are out of scope (section 1), so the Jobs Scheduler asks
// this collaborator for the next round's block window rather than deriving
// it from wall-clock time itself.
type RoundWindowSource interface {
	NextWindow(ctx context.Context, jobID, pool string, chainID int64, roundDuration time.Duration) (startBlock, endBlock int64, err error)
}
