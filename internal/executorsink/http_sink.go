// Package executorsink implements the downstream handoff target for a live
// round's winning decision sequence: an HTTP realization built on the
// shared resilient HTTP client, plus a no-op decorator for --dry-run.
package executorsink

import (
	"context"
	"fmt"
	"time"

	"subnetvalidator/internal/validatorcore"
	apperrors "subnetvalidator/pkg/errors"
	pkghttp "subnetvalidator/pkg/http"
)

// submitBody is the wire shape posted to the executor sink endpoint.
type submitBody struct {
	RoundID   string                            `json:"round_id"`
	Decisions []validatorcore.RebalanceDecision `json:"decisions"`
}

// sinkTimeout bounds a single handoff POST, retries included.
const sinkTimeout = 10 * time.Second

// HTTPSink posts a live round's decision sequence to a fixed URL, retried
// with the same resilience pipeline (failsafe retry + circuit breaker) the
// Miner Transport uses against 5xx/network errors.
type HTTPSink struct {
	client *pkghttp.Client
}

// NewHTTPSink builds a sink posting to url.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{client: pkghttp.NewClient(url, sinkTimeout, nil)}
}

// Submit posts roundID's decisions to the sink URL. Non-2xx/network errors
// are wrapped in apperrors.ErrExecutorSinkUnavailable so the Live Gate
// knows to queue the handoff for retry.
func (s *HTTPSink) Submit(ctx context.Context, roundID string, decisions []validatorcore.RebalanceDecision) error {
	_, err := s.client.Post(ctx, "", submitBody{RoundID: roundID, Decisions: decisions})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrExecutorSinkUnavailable, err)
	}
	return nil
}
