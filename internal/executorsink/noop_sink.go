package executorsink

import (
	"context"

	"subnetvalidator/internal/validatorcore"
)

// NoopSink logs the decision sequence it would have submitted and returns
// nil, for --dry-run: no on-chain execution ever happens, but the rest of
// the live-round pipeline (scoring, idempotency bookkeeping) runs exactly
// as it would in production.
type NoopSink struct {
	logger validatorcore.ILogger
}

// NewNoopSink builds a NoopSink.
func NewNoopSink(logger validatorcore.ILogger) *NoopSink {
	return &NoopSink{logger: logger.WithField("component", "noop_executor_sink")}
}

// Submit logs roundID's decision count and returns nil.
func (s *NoopSink) Submit(_ context.Context, roundID string, decisions []validatorcore.RebalanceDecision) error {
	s.logger.Info("dry-run: skipping executor sink submit", "round_id", roundID, "decision_count", len(decisions))
	return nil
}
