// Package validatorcore defines the shared data model and collaborator
// interfaces for the round-based liquidity-provision orchestrator: jobs,
// rounds, miner portfolios, scores, and the interfaces each pipeline stage
// implements against.
package validatorcore

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a concentrated-liquidity range owned by a miner within a round.
type Position struct {
	TickLower int32
	TickUpper int32
	Amount0   decimal.Decimal
	Amount1   decimal.Decimal
}

// Width reports tick_upper - tick_lower.
func (p Position) Width() int32 {
	return p.TickUpper - p.TickLower
}

// Equal reports set-equality by (tick_lower, tick_upper, amount0, amount1),
// the comparison the Round Executor uses to detect a no-op rebalance.
func (p Position) Equal(other Position) bool {
	return p.TickLower == other.TickLower &&
		p.TickUpper == other.TickUpper &&
		p.Amount0.Equal(other.Amount0) &&
		p.Amount1.Equal(other.Amount1)
}

// Inventory is uncommitted token holdings, denominated in token units.
type Inventory struct {
	Amount0 decimal.Decimal
	Amount1 decimal.Decimal
}

// PoolState is the current AMM state for a pool.
type PoolState struct {
	Block       int64
	SqrtPriceX96 decimal.Decimal
	CurrentTick int32
	FeeTier     decimal.Decimal // fraction, e.g. 0.003
}

// PoolEventType tags the kind of a PoolEvent.
type PoolEventType int

const (
	EventSwap PoolEventType = iota
	EventMint
	EventBurn
	EventCollect
)

func (t PoolEventType) String() string {
	switch t {
	case EventSwap:
		return "swap"
	case EventMint:
		return "mint"
	case EventBurn:
		return "burn"
	case EventCollect:
		return "collect"
	default:
		return "unknown"
	}
}

// PoolEvent is a tagged union of the four on-chain events the simulator
// replays. BlockNumber and LogIndex together form the strict ascending
// ordering key within a pool's event stream.
type PoolEvent struct {
	Type        PoolEventType
	BlockNumber int64
	LogIndex    int64

	// Swap fields.
	Amount0Delta decimal.Decimal
	Amount1Delta decimal.Decimal
	NewSqrtPriceX96 decimal.Decimal
	NewTick      int32

	// Mint/Burn/Collect fields.
	TickLower int32
	TickUpper int32
	Liquidity decimal.Decimal
}

// Before reports whether e sorts strictly before other by (block, log index).
func (e PoolEvent) Before(other PoolEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}

// MinerPortfolio is one miner's round-scoped state: owned positions,
// uncommitted inventory, accrued fees, and bookkeeping counters.
type MinerPortfolio struct {
	MinerID        string
	Positions      []Position
	Inventory      Inventory
	FeesAccrued0   decimal.Decimal
	FeesAccrued1   decimal.Decimal
	RebalanceCount int
	Refused        bool
	Violating      bool
	ConsecutiveTransportFailures int
}

// Constraints bounds valid miner decisions for a round.
type Constraints struct {
	MaxIL         decimal.Decimal // fraction in [0,1]
	MinTickWidth  int32           // >= 1
	MaxRebalances int             // >= 0
}

// Job is an externally-configured, long-lived unit of work: one managed
// vault/pair the scheduler drives rounds against. Immutable except Active.
type Job struct {
	JobID              string
	PairAddress        string
	VaultAddress       string
	ChainID            int64
	RoundDuration      time.Duration
	CheckpointInterval int64 // blocks
	Target             string // "PoL" for this spec
	Active             bool
}

// RoundType distinguishes evaluation rounds (scored, all miners) from live
// rounds (winner's decisions forwarded to the executor sink).
type RoundType string

const (
	RoundEval RoundType = "eval"
	RoundLive RoundType = "live"
)

// RoundStatus is the terminal disposition of a Round.
type RoundStatus string

const (
	RoundCompleted RoundStatus = "completed"
	RoundAborted   RoundStatus = "aborted"
)

// Round is a single frozen forward-simulation window. Created by the
// scheduler, immutable once executed.
type Round struct {
	RoundID            string
	JobID              string
	RoundType          RoundType
	StartBlock         int64
	EndBlock           int64
	StartedAt          time.Time
	FinishedAt         time.Time
	Status             RoundStatus
	Constraints        Constraints
	InitialInventory   Inventory
	InitialPositions   []Position
}

// RebalanceDecision is one accepted rebalance event within a round, used to
// reconstruct a miner's decision sequence for the Live Gate handoff.
type RebalanceDecision struct {
	CheckpointBlock int64
	DesiredPositions []Position
}

// Prediction is a miner's outcome for a round: its final portfolio plus the
// decision sequence it submitted.
type Prediction struct {
	RoundID        string
	MinerID        string
	Accepted       bool
	FinalPortfolio MinerPortfolio
	RawScore       decimal.Decimal
	NormalizedRank int
	Decisions      []RebalanceDecision
}

// MinerScore is the per-(miner,job) reputation row maintained by the
// Reputation Store.
type MinerScore struct {
	MinerID    string
	JobID      string
	EvalEMA    decimal.Decimal
	LiveEMA    decimal.Decimal
	Combined   decimal.Decimal
	LastEvalAt time.Time
	LastLiveAt time.Time
	HasEvalEMA bool // false until the first eval observation seeds the EMA
	HasLiveEMA bool
}

// ParticipationEntry records that a miner responded (non-refusal) in at
// least one evaluation round on a given UTC calendar day.
type ParticipationEntry struct {
	MinerID string
	JobID   string
	UTCDate string // "2006-01-02"
}

// MinerMetadata is free-form identity the miner attaches to its response.
type MinerMetadata struct {
	Version   string
	ModelInfo string
}

// RebalanceQuery is the request half of the Miner Transport contract (§6).
type RebalanceQuery struct {
	JobID              string
	VaultAddress       string
	PairAddress        string
	ChainID            int64
	RoundID            string
	RoundType          RoundType
	BlockNumber        int64
	CurrentPrice       decimal.Decimal
	CurrentPositions   []Position
	InventoryRemaining Inventory
	RebalancesSoFar    int
	Constraints        Constraints
}

// RebalanceResponse is the response half of the Miner Transport contract.
type RebalanceResponse struct {
	Accepted         bool
	RefusalReason    string
	DesiredPositions []Position
	MinerMetadata    MinerMetadata
}
