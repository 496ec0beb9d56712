package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"subnetvalidator/internal/validatorcore"
)

type rangeKey struct {
	pool string
	from int64
	to   int64
}

// CachingSource memoizes (pool, from, to) event-range queries for the
// lifetime of a single round, satisfying the requirement that Events Source
// queries be cached per block range within a round. A fresh instance must
// be created per round; it is not safe to reuse across rounds.
type CachingSource struct {
	underlying validatorcore.EventsSource

	mu        sync.Mutex
	ranges    map[rangeKey][]validatorcore.PoolEvent
	prices    map[string]map[int64]decimal.Decimal
}

// NewCachingSource wraps underlying with a per-round memoization layer.
func NewCachingSource(underlying validatorcore.EventsSource) *CachingSource {
	return &CachingSource{
		underlying: underlying,
		ranges:     make(map[rangeKey][]validatorcore.PoolEvent),
		prices:     make(map[string]map[int64]decimal.Decimal),
	}
}

// EventsIn returns the cached result for (pool, fromBlock, toBlock) if
// present, otherwise queries the underlying source and caches the result.
func (c *CachingSource) EventsIn(ctx context.Context, pool string, fromBlock, toBlock int64) ([]validatorcore.PoolEvent, error) {
	key := rangeKey{pool: pool, from: fromBlock, to: toBlock}

	c.mu.Lock()
	if cached, ok := c.ranges[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	events, err := c.underlying.EventsIn(ctx, pool, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ranges[key] = events
	c.mu.Unlock()

	return events, nil
}

// PriceAtOrBefore returns the cached price for (pool, block) if present,
// otherwise queries the underlying source and caches the result.
func (c *CachingSource) PriceAtOrBefore(ctx context.Context, pool string, block int64) (decimal.Decimal, error) {
	c.mu.Lock()
	if byBlock, ok := c.prices[pool]; ok {
		if price, ok := byBlock[block]; ok {
			c.mu.Unlock()
			return price, nil
		}
	}
	c.mu.Unlock()

	price, err := c.underlying.PriceAtOrBefore(ctx, pool, block)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	if c.prices[pool] == nil {
		c.prices[pool] = make(map[int64]decimal.Decimal)
	}
	c.prices[pool][block] = price
	c.mu.Unlock()

	return price, nil
}

// Stats reports the memoized-entry counts, useful for round diagnostics.
func (c *CachingSource) Stats() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("ranges=%d pools_with_prices=%d", len(c.ranges), len(c.prices))
}
