package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricRoundDuration       = "validator_round_duration_seconds"
	MetricCheckpointLatency   = "validator_checkpoint_latency_seconds"
	MetricMinerTimeoutTotal   = "validator_miner_timeout_total"
	MetricMinerRefusalTotal   = "validator_miner_refusal_total"
	MetricRoundsCompleted     = "validator_rounds_completed_total"
	MetricRoundsAborted       = "validator_rounds_aborted_total"
	MetricEvalEMA             = "validator_eval_ema"
	MetricLiveEMA             = "validator_live_ema"
	MetricCombinedScore       = "validator_combined_score"
	MetricLiveGateQueueDepth  = "validator_live_gate_queue_depth"
	MetricEligibleMinerCount  = "validator_eligible_miner_count"
	MetricRebalanceCountTotal = "validator_rebalance_count_total"
)

// MetricsHolder holds initialized instruments for the validator process.
type MetricsHolder struct {
	RoundDuration       metric.Float64Histogram
	CheckpointLatency   metric.Float64Histogram
	MinerTimeoutTotal   metric.Int64Counter
	MinerRefusalTotal   metric.Int64Counter
	RoundsCompleted     metric.Int64Counter
	RoundsAborted       metric.Int64Counter
	RebalanceCountTotal metric.Int64Counter
	EvalEMA             metric.Float64ObservableGauge
	LiveEMA             metric.Float64ObservableGauge
	CombinedScore       metric.Float64ObservableGauge
	LiveGateQueueDepth  metric.Int64ObservableGauge
	EligibleMinerCount  metric.Int64ObservableGauge

	mu                 sync.RWMutex
	evalEMAMap         map[string]float64
	liveEMAMap         map[string]float64
	combinedMap        map[string]float64
	liveGateQueueDepth map[string]int64
	eligibleCountMap   map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			evalEMAMap:         make(map[string]float64),
			liveEMAMap:         make(map[string]float64),
			combinedMap:        make(map[string]float64),
			liveGateQueueDepth: make(map[string]int64),
			eligibleCountMap:   make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.RoundDuration, err = meter.Float64Histogram(MetricRoundDuration, metric.WithDescription("Wall-clock duration of a round"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.CheckpointLatency, err = meter.Float64Histogram(MetricCheckpointLatency, metric.WithDescription("Latency of a single checkpoint's miner fan-out"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.MinerTimeoutTotal, err = meter.Int64Counter(MetricMinerTimeoutTotal, metric.WithDescription("Total miner query timeouts"))
	if err != nil {
		return err
	}

	m.MinerRefusalTotal, err = meter.Int64Counter(MetricMinerRefusalTotal, metric.WithDescription("Total explicit miner refusals"))
	if err != nil {
		return err
	}

	m.RoundsCompleted, err = meter.Int64Counter(MetricRoundsCompleted, metric.WithDescription("Total rounds that completed and were archived"))
	if err != nil {
		return err
	}

	m.RoundsAborted, err = meter.Int64Counter(MetricRoundsAborted, metric.WithDescription("Total rounds aborted due to events-source unavailability"))
	if err != nil {
		return err
	}

	m.RebalanceCountTotal, err = meter.Int64Counter(MetricRebalanceCountTotal, metric.WithDescription("Total accepted rebalances across all miners"))
	if err != nil {
		return err
	}

	m.EvalEMA, err = meter.Float64ObservableGauge(MetricEvalEMA, metric.WithDescription("Per-miner evaluation EMA"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, v := range m.evalEMAMap {
				obs.Observe(v, metric.WithAttributes(attribute.String("miner_job", k)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.LiveEMA, err = meter.Float64ObservableGauge(MetricLiveEMA, metric.WithDescription("Per-miner live EMA"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, v := range m.liveEMAMap {
				obs.Observe(v, metric.WithAttributes(attribute.String("miner_job", k)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CombinedScore, err = meter.Float64ObservableGauge(MetricCombinedScore, metric.WithDescription("Per-miner combined score used for live-round winner selection"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, v := range m.combinedMap {
				obs.Observe(v, metric.WithAttributes(attribute.String("miner_job", k)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.LiveGateQueueDepth, err = meter.Int64ObservableGauge(MetricLiveGateQueueDepth, metric.WithDescription("Pending retries in the live-gate executor-sink queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, v := range m.liveGateQueueDepth {
				obs.Observe(v, metric.WithAttributes(attribute.String("job_id", k)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EligibleMinerCount, err = meter.Int64ObservableGauge(MetricEligibleMinerCount, metric.WithDescription("Number of miners currently eligible for live rounds"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for k, v := range m.eligibleCountMap {
				obs.Observe(v, metric.WithAttributes(attribute.String("job_id", k)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetEMA records the latest EMA snapshot for a (miner_id, job_id) pair.
func (m *MetricsHolder) SetEMA(minerJobKey string, eval, live, combined float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evalEMAMap[minerJobKey] = eval
	m.liveEMAMap[minerJobKey] = live
	m.combinedMap[minerJobKey] = combined
}

// SetLiveGateQueueDepth records the pending retry depth for a job's executor queue.
func (m *MetricsHolder) SetLiveGateQueueDepth(jobID string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveGateQueueDepth[jobID] = depth
}

// SetEligibleMinerCount records the eligibility-gate miner count for a job.
func (m *MetricsHolder) SetEligibleMinerCount(jobID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eligibleCountMap[jobID] = count
}
