// Package healthz aggregates per-job health into a single readiness view,
// adapted from the teacher's health manager: one named check per job
// instead of per-exchange-connection, reporting each job's last round
// outcome rather than an order-book staleness check.
package healthz

import (
	"sync"

	"subnetvalidator/internal/validatorcore"
)

// Manager aggregates health status from every registered job.
type Manager struct {
	logger validatorcore.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates an empty Manager.
func NewManager(logger validatorcore.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]func() error),
	}
}

// Register adds or replaces the health check for a named component (a
// job_id, a collaborator name, etc).
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus returns "Healthy" or "Unhealthy: <reason>" per registered
// component.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered component is currently
// healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// JobHealth tracks one job's most recent round outcome for a Manager
// check: unhealthy once consecutiveFailures crosses the threshold a
// caller wires in, healthy otherwise.
type JobHealth struct {
	mu                  sync.Mutex
	lastErr             error
	consecutiveFailures int
	maxFailures         int
}

// NewJobHealth builds a JobHealth that reports unhealthy once
// consecutive round failures reach maxFailures.
func NewJobHealth(maxFailures int) *JobHealth {
	return &JobHealth{maxFailures: maxFailures}
}

// RecordSuccess resets the failure streak.
func (j *JobHealth) RecordSuccess() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.consecutiveFailures = 0
	j.lastErr = nil
}

// RecordFailure extends the failure streak with err as the latest cause.
func (j *JobHealth) RecordFailure(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.consecutiveFailures++
	j.lastErr = err
}

// Check implements the func() error shape Manager.Register expects.
func (j *JobHealth) Check() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.consecutiveFailures >= j.maxFailures {
		return j.lastErr
	}
	return nil
}
