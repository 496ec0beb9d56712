// Package minertransport implements the unary request/response contract to
// a named miner: an HTTP realization with retry/circuit-breaker resilience,
// and an in-process mock for tests and backtests.
package minertransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"subnetvalidator/internal/validatorcore"
	apperrors "subnetvalidator/pkg/errors"
	"subnetvalidator/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// EndpointResolver maps a miner_id to its callable HTTP endpoint. Miner
// discovery/registry is out of scope; callers supply this.
type EndpointResolver func(minerID string) (string, error)

// HTTPTransport queries miners over HTTP with a failsafe retry + circuit
// breaker pipeline and a per-miner outbound rate limiter.
type HTTPTransport struct {
	client   *http.Client
	resolve  EndpointResolver
	pipeline failsafe.Executor[*http.Response]

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int

	tracer     trace.Tracer
	reqCounter metric.Int64Counter
	errCounter metric.Int64Counter
	latency    metric.Float64Histogram

	logger validatorcore.ILogger
}

// NewHTTPTransport builds a transport querying miners resolved by resolve,
// rate-limited to rps requests/sec per miner with the given burst.
func NewHTTPTransport(resolve EndpointResolver, rps float64, burst int, logger validatorcore.ILogger) *HTTPTransport {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithBackoff(100*time.Millisecond, 1*time.Second).
		WithMaxRetries(2).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(3, 5).
		WithDelay(30 * time.Second).
		Build()

	tracer := telemetry.GetTracer("miner-transport")
	meter := telemetry.GetMeter("miner-transport")
	reqCounter, _ := meter.Int64Counter("miner_transport_requests_total")
	errCounter, _ := meter.Int64Counter("miner_transport_errors_total")
	latency, _ := meter.Float64Histogram("miner_transport_latency_seconds")

	return &HTTPTransport{
		client:     &http.Client{},
		resolve:    resolve,
		pipeline:   failsafe.With[*http.Response](retryPolicy, breaker),
		limiters:   make(map[string]*rate.Limiter),
		rps:        rate.Limit(rps),
		burst:      burst,
		tracer:     tracer,
		reqCounter: reqCounter,
		errCounter: errCounter,
		latency:    latency,
		logger:     logger.WithField("component", "miner_transport"),
	}
}

func (t *HTTPTransport) limiterFor(minerID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[minerID]
	if !ok {
		l = rate.NewLimiter(t.rps, t.burst)
		t.limiters[minerID] = l
	}
	return l
}

// Query issues a RebalanceQuery to minerID with the given hard deadline.
func (t *HTTPTransport) Query(ctx context.Context, minerID string, req validatorcore.RebalanceQuery, deadline time.Time) (validatorcore.RebalanceResponse, error) {
	ctx, span := t.tracer.Start(ctx, "miner_transport.query")
	defer span.End()
	span.SetAttributes(attribute.String("miner_id", minerID), attribute.String("round_id", req.RoundID))

	if err := t.limiterFor(minerID).Wait(ctx); err != nil {
		return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: rate limit wait: %v", apperrors.ErrTransport, err)
	}

	endpoint, err := t.resolve(minerID)
	if err != nil {
		return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: resolve miner endpoint: %v", apperrors.ErrTransport, err)
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: marshal request: %v", apperrors.ErrTransport, err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: build request: %v", apperrors.ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return t.client.Do(httpReq)
	})

	t.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("miner_id", minerID)))
	t.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("miner_id", minerID)))

	if err != nil {
		t.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("miner_id", minerID)))
		if ctx.Err() != nil {
			return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: %v", apperrors.ErrMinerTimeout, err)
		}
		return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: %v", apperrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: read response: %v", apperrors.ErrTransport, err)
	}

	if resp.StatusCode >= 400 {
		return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: status %d", apperrors.ErrTransport, resp.StatusCode)
	}

	var out validatorcore.RebalanceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedReply, err)
	}
	if !out.Accepted && len(out.DesiredPositions) != 0 {
		return validatorcore.RebalanceResponse{}, fmt.Errorf("%w: refusal carries desired positions", apperrors.ErrMalformedReply)
	}

	return out, nil
}
