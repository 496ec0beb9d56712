package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHeadSource struct {
	head int64
	err  error
}

func (f fakeHeadSource) HeadBlock(_ context.Context, _ string) (int64, error) {
	return f.head, f.err
}

// mutableHeadSource lets a test advance the chain head between calls, so a
// window's width can actually be exercised instead of immediately capped.
type mutableHeadSource struct {
	head int64
}

func (m *mutableHeadSource) HeadBlock(_ context.Context, _ string) (int64, error) {
	return m.head, nil
}

func TestNextWindow_FirstCallIsDegenerateAtHead(t *testing.T) {
	framer := NewBlockWindowFramer(fakeHeadSource{head: 1000}, 12*time.Second)

	// The first window for a job has no prior end to resume from, so it
	// starts at the current head; the width cap then collapses it back to
	// [head, head] rather than reaching past what the chain has produced.
	start, end, err := framer.NextWindow(context.Background(), "job-1", "pool-1", 1, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), start)
	assert.Equal(t, int64(1000), end)
}

func TestNextWindow_SubsequentCallContinuesFromLastEnd(t *testing.T) {
	head := &mutableHeadSource{head: 2000}
	framer := NewBlockWindowFramer(head, 12*time.Second)

	_, firstEnd, err := framer.NextWindow(context.Background(), "job-1", "pool-1", 1, 15*time.Minute)
	require.NoError(t, err)

	head.head = 5000 // chain advances well past the next window's width
	start, end, err := framer.NextWindow(context.Background(), "job-1", "pool-1", 1, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, firstEnd+1, start)
	assert.Equal(t, start+75-1, end) // 900s / 12s = 75 blocks wide
}

func TestNextWindow_CapsEndToHeadWhenCatchingUp(t *testing.T) {
	framer := NewBlockWindowFramer(fakeHeadSource{head: 100}, 12*time.Second)

	_, end, err := framer.NextWindow(context.Background(), "job-1", "pool-1", 1, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(100), end)
}

func TestNextWindow_UsesPerPoolBlockTimeOverride(t *testing.T) {
	head := &mutableHeadSource{head: 10000}
	framer := NewBlockWindowFramer(head, 12*time.Second)
	framer.SetBlockTime("pool-fast", 2*time.Second)

	_, firstEnd, err := framer.NextWindow(context.Background(), "job-1", "pool-fast", 1, 60*time.Second)
	require.NoError(t, err)

	head.head = 20000
	start, end, err := framer.NextWindow(context.Background(), "job-1", "pool-fast", 1, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, firstEnd+1, start)
	assert.Equal(t, start+30-1, end) // 60s/2s = 30 blocks wide
}

func TestNextWindow_PropagatesHeadError(t *testing.T) {
	framer := NewBlockWindowFramer(fakeHeadSource{err: errors.New("boom")}, 12*time.Second)

	_, _, err := framer.NextWindow(context.Background(), "job-1", "pool-1", 1, 15*time.Minute)
	assert.Error(t, err)
}
