// Package minerregistry provides the static, config-driven miner
// registration surface that substitutes for miner discovery, which is out
// of scope for this module.
package minerregistry

import (
	"context"
	"errors"
	"fmt"

	apperrors "subnetvalidator/pkg/errors"
)

// ErrNoMinersRegistered is returned when a job has no registered miners.
var ErrNoMinersRegistered = errors.New("no miners registered for job")

// Static is a fixed, config-loaded mapping from job_id to the miner_ids
// and endpoints registered for it.
type Static struct {
	byJob     map[string][]string
	endpoints map[string]string // miner_id -> endpoint
}

// Entry is one job's registered miner.
type Entry struct {
	JobID    string
	MinerID  string
	Endpoint string
}

// NewStatic builds a Static registry from a flat list of entries, typically
// one per (job_id, miner_id) pair in the loaded configuration.
func NewStatic(entries []Entry) *Static {
	s := &Static{
		byJob:     make(map[string][]string),
		endpoints: make(map[string]string),
	}
	for _, e := range entries {
		s.byJob[e.JobID] = append(s.byJob[e.JobID], e.MinerID)
		s.endpoints[e.MinerID] = e.Endpoint
	}
	return s
}

// ActiveMiners returns the miner_ids registered for jobID.
func (s *Static) ActiveMiners(_ context.Context, jobID string) ([]string, error) {
	miners := s.byJob[jobID]
	if len(miners) == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrNoMinersRegistered, jobID)
	}
	out := make([]string, len(miners))
	copy(out, miners)
	return out, nil
}

// Resolve implements minertransport.EndpointResolver against the static
// endpoint table.
func (s *Static) Resolve(minerID string) (string, error) {
	endpoint, ok := s.endpoints[minerID]
	if !ok {
		return "", fmt.Errorf("%w: no endpoint registered for miner %s", apperrors.ErrTransport, minerID)
	}
	return endpoint, nil
}
