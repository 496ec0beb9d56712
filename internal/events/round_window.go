package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HeadBlockSource reports the highest block a job's pool has events for.
// SQLiteEventsSource implements it directly against the ingested table;
// LiveTail caches prices only and does not implement it.
type HeadBlockSource interface {
	HeadBlock(ctx context.Context, pool string) (int64, error)
}

// BlockWindowFramer frames each job's next round window as [lastEnd+1,
// head], clamped to a target width implied by round_duration and each
// pool's configured block time. Block production and chain-head tracking
// are themselves out of scope for this module; this only consumes
// whatever head the Events Source already knows about.
type BlockWindowFramer struct {
	head           HeadBlockSource
	defaultBlockTime time.Duration

	mu         sync.Mutex
	lastEnd    map[string]int64         // job_id -> last framed end_block
	blockTimes map[string]time.Duration // pool -> average seconds-per-block
}

// NewBlockWindowFramer builds a framer estimating round width from
// round_duration / blockTime. defaultBlockTime is used for any pool
// SetBlockTime has not been called for.
func NewBlockWindowFramer(head HeadBlockSource, defaultBlockTime time.Duration) *BlockWindowFramer {
	return &BlockWindowFramer{
		head:             head,
		defaultBlockTime: defaultBlockTime,
		lastEnd:          make(map[string]int64),
		blockTimes:       make(map[string]time.Duration),
	}
}

// SetBlockTime records pool's average seconds-per-block, overriding the
// framer's default for windows framed against that pool.
func (f *BlockWindowFramer) SetBlockTime(pool string, blockTime time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockTimes[pool] = blockTime
}

// NextWindow returns the next [startBlock, endBlock] for jobID: one past
// the previous round's end through the current chain head, capped to the
// width round_duration/blockTime implies so a long catch-up never
// replays more than one round's worth of history at a time.
func (f *BlockWindowFramer) NextWindow(ctx context.Context, jobID, pool string, chainID int64, roundDuration time.Duration) (int64, int64, error) {
	head, err := f.head.HeadBlock(ctx, pool)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve chain head for job %s: %w", jobID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	start, seen := f.lastEnd[jobID]
	if !seen {
		start = head
	} else {
		start++
	}

	blockTime := f.defaultBlockTime
	if bt, ok := f.blockTimes[pool]; ok {
		blockTime = bt
	}

	width := int64(1)
	if blockTime > 0 {
		width = int64(roundDuration / blockTime)
		if width < 1 {
			width = 1
		}
	}

	end := start + width - 1
	if end > head {
		end = head
	}
	if end < start {
		end = start
	}

	f.lastEnd[jobID] = end
	return start, end, nil
}
