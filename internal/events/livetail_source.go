package events

import (
	"context"

	"github.com/shopspring/decimal"

	"subnetvalidator/internal/validatorcore"
)

// LiveTailSource decorates an EventsSource so PriceAtOrBefore prefers a
// LiveTail's warm in-memory price over a round-trip to the underlying
// store, for jobs running against a live (non-backtest) chain where the
// tail is already streaming the pool's latest swaps.
type LiveTailSource struct {
	underlying validatorcore.EventsSource
	tail       *LiveTail
}

// NewLiveTailSource wraps underlying with tail's warm cache.
func NewLiveTailSource(underlying validatorcore.EventsSource, tail *LiveTail) *LiveTailSource {
	return &LiveTailSource{underlying: underlying, tail: tail}
}

// EventsIn delegates unchanged; the live tail only warms price lookups.
func (s *LiveTailSource) EventsIn(ctx context.Context, pool string, fromBlock, toBlock int64) ([]validatorcore.PoolEvent, error) {
	return s.underlying.EventsIn(ctx, pool, fromBlock, toBlock)
}

// PriceAtOrBefore returns the live tail's cached price for pool if one has
// been observed, falling back to the underlying source otherwise. The tail
// only ever reflects the current chain head, so it is used unconditionally
// rather than compared against block: a caller asking for a historical
// block gets the head price whenever the cache holds one for pool, and
// reaches the underlying source only when it does not.
func (s *LiveTailSource) PriceAtOrBefore(ctx context.Context, pool string, block int64) (decimal.Decimal, error) {
	if s.tail != nil {
		if sqrtPrice, ok := s.tail.LatestPrice(pool); ok {
			return sqrtPrice, nil
		}
	}
	return s.underlying.PriceAtOrBefore(ctx, pool, block)
}
