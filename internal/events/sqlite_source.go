// Package events implements the read-only historical/live pool-event query
// contract the Round Executor and Pool Simulator depend on.
package events

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"subnetvalidator/internal/validatorcore"
	apperrors "subnetvalidator/pkg/errors"
)

// SQLiteEventsSource reads an immutable, pre-ingested events database. It
// never mutates the schema it reads; migrations are applied out of band.
type SQLiteEventsSource struct {
	db *sql.DB
}

// NewSQLiteEventsSource opens the events database in read-only WAL mode.
func NewSQLiteEventsSource(dsn string) (*SQLiteEventsSource, error) {
	db, err := sql.Open("sqlite3", dsn+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open events database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping events database: %w", err)
	}
	return &SQLiteEventsSource{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteEventsSource) Close() error {
	return s.db.Close()
}

const eventsQuery = `
SELECT event_type, block_number, log_index, amount0_delta, amount1_delta,
       new_sqrt_price, new_tick, tick_lower, tick_upper, liquidity
FROM events
WHERE pool = ? AND block_number BETWEEN ? AND ?
ORDER BY block_number ASC, log_index ASC`

// EventsIn returns the ordered event stream for pool in [fromBlock,
// toBlock]. An empty, non-error result is a valid "no events in range".
func (s *SQLiteEventsSource) EventsIn(ctx context.Context, pool string, fromBlock, toBlock int64) ([]validatorcore.PoolEvent, error) {
	rows, err := s.db.QueryContext(ctx, eventsQuery, normalizePool(pool), fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrEventsUnavailable, err)
	}
	defer rows.Close()

	var out []validatorcore.PoolEvent
	for rows.Next() {
		var (
			eventType                                    string
			blockNumber, logIndex                         int64
			amount0Delta, amount1Delta, newSqrtPrice, liq string
			newTick, tickLower, tickUpper                 int32
		)
		if err := rows.Scan(&eventType, &blockNumber, &logIndex, &amount0Delta, &amount1Delta,
			&newSqrtPrice, &newTick, &tickLower, &tickUpper, &liq); err != nil {
			return nil, fmt.Errorf("%w: scan event row: %v", apperrors.ErrEventsUnavailable, err)
		}

		ev := validatorcore.PoolEvent{
			Type:        parseEventType(eventType),
			BlockNumber: blockNumber,
			LogIndex:    logIndex,
			TickLower:   tickLower,
			TickUpper:   tickUpper,
		}
		ev.Amount0Delta = mustDecimal(amount0Delta)
		ev.Amount1Delta = mustDecimal(amount1Delta)
		ev.NewSqrtPriceX96 = mustDecimal(newSqrtPrice)
		ev.NewTick = newTick
		ev.Liquidity = mustDecimal(liq)

		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrEventsUnavailable, err)
	}

	return out, nil
}

// PriceAtOrBefore returns the last known sqrt_price at block <= target.
func (s *SQLiteEventsSource) PriceAtOrBefore(ctx context.Context, pool string, block int64) (decimal.Decimal, error) {
	const query = `
SELECT new_sqrt_price FROM events
WHERE pool = ? AND event_type = 'swap' AND block_number <= ?
ORDER BY block_number DESC, log_index DESC
LIMIT 1`

	var sqrtPrice string
	err := s.db.QueryRowContext(ctx, query, normalizePool(pool), block).Scan(&sqrtPrice)
	if err == sql.ErrNoRows {
		return decimal.Zero, apperrors.ErrEventsNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", apperrors.ErrEventsUnavailable, err)
	}

	return mustDecimal(sqrtPrice), nil
}

// HeadBlock returns the highest block_number recorded for pool, the
// backtest-mode stand-in for a live chain-head subscription.
func (s *SQLiteEventsSource) HeadBlock(ctx context.Context, pool string) (int64, error) {
	const query = `SELECT MAX(block_number) FROM events WHERE pool = ?`

	var head sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, normalizePool(pool)).Scan(&head); err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrEventsUnavailable, err)
	}
	if !head.Valid {
		return 0, apperrors.ErrEventsNotFound
	}
	return head.Int64, nil
}

// normalizePool strips a leading 0x, matching the backing store's
// without-prefix keying convention.
func normalizePool(pool string) string {
	if len(pool) > 2 && pool[0] == '0' && (pool[1] == 'x' || pool[1] == 'X') {
		return pool[2:]
	}
	return pool
}

func parseEventType(s string) validatorcore.PoolEventType {
	switch s {
	case "mint":
		return validatorcore.EventMint
	case "burn":
		return validatorcore.EventBurn
	case "collect":
		return validatorcore.EventCollect
	default:
		return validatorcore.EventSwap
	}
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
