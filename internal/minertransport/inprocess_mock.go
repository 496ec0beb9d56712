package minertransport

import (
	"context"
	"sync"
	"time"

	"subnetvalidator/internal/validatorcore"
	apperrors "subnetvalidator/pkg/errors"
)

// MinerHandler computes a miner's response to a query, for backtests and
// unit tests that exercise the Round Executor without a live miner.
type MinerHandler func(req validatorcore.RebalanceQuery) (validatorcore.RebalanceResponse, error)

// InProcessMock is a MinerTransport backed by in-process handler functions,
// optionally simulating per-miner latency and consecutive-failure counts.
type InProcessMock struct {
	mu       sync.Mutex
	handlers map[string]MinerHandler
	latency  map[string]time.Duration
	fail     map[string]int // remaining forced-failure count
}

// NewInProcessMock creates an empty mock; register miners with Register.
func NewInProcessMock() *InProcessMock {
	return &InProcessMock{
		handlers: make(map[string]MinerHandler),
		latency:  make(map[string]time.Duration),
		fail:     make(map[string]int),
	}
}

// Register binds minerID to handler.
func (m *InProcessMock) Register(minerID string, handler MinerHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[minerID] = handler
}

// SetLatency simulates network latency for minerID.
func (m *InProcessMock) SetLatency(minerID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[minerID] = d
}

// FailNext forces the next n queries to minerID to return a transport error,
// used to exercise the three-consecutive-failures-implies-refused path.
func (m *InProcessMock) FailNext(minerID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[minerID] = n
}

// Query implements validatorcore.MinerTransport.
func (m *InProcessMock) Query(ctx context.Context, minerID string, req validatorcore.RebalanceQuery, deadline time.Time) (validatorcore.RebalanceResponse, error) {
	m.mu.Lock()
	handler, ok := m.handlers[minerID]
	delay := m.latency[minerID]
	if remaining := m.fail[minerID]; remaining > 0 {
		m.fail[minerID] = remaining - 1
		m.mu.Unlock()
		return validatorcore.RebalanceResponse{}, apperrors.ErrTransport
	}
	m.mu.Unlock()

	if !ok {
		return validatorcore.RebalanceResponse{}, apperrors.ErrMinerRefused
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return validatorcore.RebalanceResponse{}, apperrors.ErrMinerTimeout
		}
	}
	if time.Now().After(deadline) {
		return validatorcore.RebalanceResponse{}, apperrors.ErrMinerTimeout
	}

	return handler(req)
}
