// Package poolsim implements the forward pool simulator: one instance per
// miner per round, replaying an event stream against that miner's tracked
// positions and crediting fees as swaps traverse its ranges.
package poolsim

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"subnetvalidator/internal/tickmath"
	"subnetvalidator/internal/validatorcore"
	apperrors "subnetvalidator/pkg/errors"
)

// trackedPosition pairs the range a miner opened with the liquidity it was
// minted at, so the amounts actually held can be recomputed at any price
// without needing per-tick accounting.
type trackedPosition struct {
	tickLower int32
	tickUpper int32
	liquidity decimal.Decimal
}

// Simulator is bound to one pool and one owning miner. Two Simulators
// sharing the same event stream never share mutable state; the Round
// Executor constructs one per active miner.
type Simulator struct {
	mu sync.Mutex

	pool    string
	owner   string
	feeTier decimal.Decimal
	source  validatorcore.EventsSource

	state validatorcore.PoolState

	positions []trackedPosition
	inventory validatorcore.Inventory
	fees0     decimal.Decimal
	fees1     decimal.Decimal

	logger validatorcore.ILogger
}

// New creates a simulator for owner, seeded at startBlock with the given
// pool state, initial positions and inventory. initialInventory is kept as
// given; the initial positions' amounts are not deducted from it.
func New(
	pool, owner string,
	feeTier decimal.Decimal,
	source validatorcore.EventsSource,
	startState validatorcore.PoolState,
	initialPositions []validatorcore.Position,
	initialInventory validatorcore.Inventory,
	logger validatorcore.ILogger,
) (*Simulator, error) {
	s := &Simulator{
		pool:      pool,
		owner:     owner,
		feeTier:   feeTier,
		source:    source,
		state:     startState,
		inventory: initialInventory,
		fees0:     decimal.Zero,
		fees1:     decimal.Zero,
		logger:    logger.WithField("component", "poolsim").WithField("pool", pool).WithField("owner", owner),
	}

	priceNow := tickmath.PriceFromSqrtX96(startState.SqrtPriceX96)
	for _, p := range initialPositions {
		liq := tickmath.LiquidityFromAmounts(p.Amount0, p.Amount1, p.TickLower, p.TickUpper, priceNow)
		s.positions = append(s.positions, trackedPosition{tickLower: p.TickLower, tickUpper: p.TickUpper, liquidity: liq})
	}

	return s, nil
}

// AdvanceTo consumes every event in (current block, block] from the Events
// Source, updating pool state and crediting in-range positions with
// pro-rata fees on each swap. Fee share is computed across this owner's own
// tracked positions in the traversed tick, since each simulator instance
// belongs to exactly one miner; tests should avoid tick-crossing swaps, per
// the open question on sub-tick fee accounting.
func (s *Simulator) AdvanceTo(ctx context.Context, block int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block <= s.state.Block {
		return nil
	}

	events, err := s.source.EventsIn(ctx, s.pool, s.state.Block+1, block)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrEventsUnavailable, err)
	}

	for _, ev := range events {
		if ev.Type != validatorcore.EventSwap {
			continue
		}
		s.creditSwapFeesLocked(ev)
		s.state.Block = ev.BlockNumber
		s.state.SqrtPriceX96 = ev.NewSqrtPriceX96
		s.state.CurrentTick = ev.NewTick
	}

	s.state.Block = block
	return nil
}

func (s *Simulator) creditSwapFeesLocked(ev validatorcore.PoolEvent) {
	preTick := s.state.CurrentTick

	fee0 := ev.Amount0Delta.Abs().Mul(s.feeTier)
	fee1 := ev.Amount1Delta.Abs().Mul(s.feeTier)
	if fee0.IsZero() && fee1.IsZero() {
		return
	}

	var totalLiq decimal.Decimal
	inRange := make([]int, 0, len(s.positions))
	for i, p := range s.positions {
		if p.tickLower <= preTick && preTick < p.tickUpper {
			inRange = append(inRange, i)
			totalLiq = totalLiq.Add(p.liquidity)
		}
	}
	if totalLiq.IsZero() {
		return
	}

	for _, i := range inRange {
		share := s.positions[i].liquidity.Div(totalLiq)
		s.fees0 = s.fees0.Add(fee0.Mul(share))
		s.fees1 = s.fees1.Add(fee1.Mul(share))
	}
}

// ApplyRebalance closes owner's current positions at the current price,
// crediting accrued fees and returning unused amounts to inventory, then
// opens newPositions from that inventory.
func (s *Simulator) ApplyRebalance(owner string, newPositions []validatorcore.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner != s.owner {
		return fmt.Errorf("%w: simulator owned by %s, not %s", apperrors.ErrInvalidPositions, s.owner, owner)
	}

	priceNow := tickmath.PriceFromSqrtX96(s.state.SqrtPriceX96)

	for _, p := range s.positions {
		amt0, amt1 := tickmath.AmountsFromLiquidity(p.liquidity, p.tickLower, p.tickUpper, priceNow)
		s.inventory.Amount0 = s.inventory.Amount0.Add(amt0)
		s.inventory.Amount1 = s.inventory.Amount1.Add(amt1)
	}
	s.positions = nil

	var needed0, needed1 decimal.Decimal
	for _, p := range newPositions {
		needed0 = needed0.Add(p.Amount0)
		needed1 = needed1.Add(p.Amount1)
	}
	if needed0.GreaterThan(s.inventory.Amount0) || needed1.GreaterThan(s.inventory.Amount1) {
		return apperrors.ErrInsufficientInventory
	}

	for _, p := range newPositions {
		liq := tickmath.LiquidityFromAmounts(p.Amount0, p.Amount1, p.TickLower, p.TickUpper, priceNow)
		s.positions = append(s.positions, trackedPosition{tickLower: p.TickLower, tickUpper: p.TickUpper, liquidity: liq})
		s.inventory.Amount0 = s.inventory.Amount0.Sub(p.Amount0)
		s.inventory.Amount1 = s.inventory.Amount1.Sub(p.Amount1)
	}

	return nil
}

// PortfolioOf returns owner's current positions (amounts recomputed at the
// current price), remaining inventory, and accrued fees.
func (s *Simulator) PortfolioOf(owner string) ([]validatorcore.Position, validatorcore.Inventory, decimal.Decimal, decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner != s.owner {
		return nil, validatorcore.Inventory{}, decimal.Zero, decimal.Zero
	}

	priceNow := tickmath.PriceFromSqrtX96(s.state.SqrtPriceX96)
	positions := make([]validatorcore.Position, 0, len(s.positions))
	for _, p := range s.positions {
		amt0, amt1 := tickmath.AmountsFromLiquidity(p.liquidity, p.tickLower, p.tickUpper, priceNow)
		positions = append(positions, validatorcore.Position{
			TickLower: p.tickLower,
			TickUpper: p.tickUpper,
			Amount0:   amt0,
			Amount1:   amt1,
		})
	}

	return positions, s.inventory, s.fees0, s.fees1
}

// State returns the simulator's current pool state.
func (s *Simulator) State() validatorcore.PoolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
