// Package livegate hands a live round's winning decision sequence to the
// external executor sink exactly once per round_id, via a durable DBOS
// workflow: the idempotency check against the Reputation Store's
// live_executions table and the sink call are both steps, so a process
// restart mid-handoff resumes instead of double-submitting. Failed sink
// calls are queued and swept by a background cron job rather than blocking
// the scheduler.
package livegate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/robfig/cron/v3"

	"subnetvalidator/internal/validatorcore"
	apperrors "subnetvalidator/pkg/errors"
	"subnetvalidator/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// pendingHandoff is one round's decisions awaiting submission, kept
// in-memory so the retry sweep can resubmit without re-reading the round
// archive.
type pendingHandoff struct {
	jobID     string
	minerID   string
	decisions []validatorcore.RebalanceDecision
	attempts  int
}

// Gate is the Live Gate: it submits a live round's winning decisions to the
// ExecutorSink exactly once per round_id, queuing and retrying on failure.
type Gate struct {
	dbosCtx dbos.DBOSContext
	sink    validatorcore.ExecutorSink
	store   validatorcore.ReputationStore
	logger  validatorcore.ILogger
	tracer  trace.Tracer

	queueDepth metric.Int64ObservableGauge

	mu      sync.Mutex
	pending map[string]*pendingHandoff // round_id -> handoff

	cron *cron.Cron
}

// New builds a Gate. dbosCtx may be nil, in which case Submit runs the
// workflow body inline (used by tests and by cmd/validator, which always
// passes nil).
func New(dbosCtx dbos.DBOSContext, sink validatorcore.ExecutorSink, store validatorcore.ReputationStore, logger validatorcore.ILogger) *Gate {
	g := &Gate{
		dbosCtx: dbosCtx,
		sink:    sink,
		store:   store,
		logger:  logger.WithField("component", "live_gate"),
		tracer:  telemetry.GetTracer("live-gate"),
		pending: make(map[string]*pendingHandoff),
	}

	meter := telemetry.GetMeter("live-gate")
	g.queueDepth, _ = meter.Int64ObservableGauge(telemetry.MetricLiveGateQueueDepth,
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			g.mu.Lock()
			depth := int64(len(g.pending))
			g.mu.Unlock()
			o.Observe(depth)
			return nil
		}))

	return g
}

// StartRetrySweep registers a cron job that retries queued handoffs every
// interval. It must be started once per process and stopped on shutdown.
func (g *Gate) StartRetrySweep(interval string) error {
	g.cron = cron.New()
	_, err := g.cron.AddFunc(interval, func() {
		g.sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule live-gate retry sweep: %w", err)
	}
	g.cron.Start()
	return nil
}

// StopRetrySweep stops the background cron, if running.
func (g *Gate) StopRetrySweep() {
	if g.cron != nil {
		ctx := g.cron.Stop()
		<-ctx.Done()
	}
}

// Submit hands winnerID's decisions from a completed live round to the
// executor sink, exactly once per roundID. It never blocks the scheduler:
// a sink failure queues the handoff for the retry sweep and returns nil.
func (g *Gate) Submit(ctx context.Context, jobID, roundID, winnerID string, decisions []validatorcore.RebalanceDecision) error {
	ctx, span := g.tracer.Start(ctx, "live_gate.submit")
	defer span.End()
	span.SetAttributes(attribute.String("round_id", roundID), attribute.String("miner_id", winnerID))

	var err error
	if g.dbosCtx != nil {
		handle, startErr := g.dbosCtx.RunWorkflow(g.dbosCtx, g.handoffWorkflow(jobID, roundID, winnerID, decisions), nil)
		if startErr != nil {
			err = startErr
		} else {
			_, err = handle.GetResult()
		}
	} else {
		// No DBOS runtime attached (cmd/validator / tests): run the step body
		// directly. Idempotency still holds via the store's round_id key.
		err = g.handoffStep(ctx, jobID, roundID, winnerID, decisions)
	}

	if err != nil {
		g.logger.Warn("live gate handoff failed, queuing for retry", "round_id", roundID, "error", err)
		g.enqueue(jobID, roundID, winnerID, decisions)
		return nil
	}
	return nil
}

// handoffWorkflow binds one round's handoff into a dbos workflow function:
// a single RunAsStep wrapping handoffStep, so a crash mid-handoff resumes
// the same step rather than re-entering Submit.
func (g *Gate) handoffWorkflow(jobID, roundID, winnerID string, decisions []validatorcore.RebalanceDecision) func(dbos.DBOSContext, any) (any, error) {
	return func(wctx dbos.DBOSContext, _ any) (any, error) {
		return wctx.RunAsStep(wctx, func(stepCtx context.Context) (any, error) {
			return nil, g.handoffStep(stepCtx, jobID, roundID, winnerID, decisions)
		})
	}
}

// handoffStep is the durable step body: check-then-record idempotency
// against the Reputation Store, then call the sink. The store's primary key
// on round_id makes the record idempotent even if this step re-runs after a
// crash.
func (g *Gate) handoffStep(ctx context.Context, jobID, roundID, winnerID string, decisions []validatorcore.RebalanceDecision) error {
	done, err := g.store.RecordLiveExecution(ctx, roundID, jobID, winnerID, "pending", time.Now())
	if err != nil {
		return fmt.Errorf("%w: record live execution: %v", apperrors.ErrReputationStore, err)
	}
	if done {
		// Already submitted by a prior run of this workflow; idempotent no-op.
		return nil
	}

	if err := g.sink.Submit(ctx, roundID, decisions); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrExecutorSinkUnavailable, err)
	}

	if err := g.store.MarkLiveExecutionSubmitted(ctx, roundID); err != nil {
		return fmt.Errorf("%w: mark submitted: %v", apperrors.ErrReputationStore, err)
	}
	return nil
}

func (g *Gate) enqueue(jobID, roundID, minerID string, decisions []validatorcore.RebalanceDecision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[roundID] = &pendingHandoff{jobID: jobID, minerID: minerID, decisions: decisions}
}

// sweep retries every queued handoff once. Handoffs that succeed (or that
// turn out to already be marked submitted) are removed from the queue.
func (g *Gate) sweep(ctx context.Context) {
	g.mu.Lock()
	snapshot := make(map[string]*pendingHandoff, len(g.pending))
	for k, v := range g.pending {
		snapshot[k] = v
	}
	g.mu.Unlock()

	for roundID, h := range snapshot {
		h.attempts++
		if err := g.handoffStep(ctx, h.jobID, roundID, h.minerID, h.decisions); err != nil {
			g.logger.Warn("live gate retry still failing", "round_id", roundID, "attempts", h.attempts, "error", err)
			continue
		}
		g.mu.Lock()
		delete(g.pending, roundID)
		g.mu.Unlock()
	}
}
