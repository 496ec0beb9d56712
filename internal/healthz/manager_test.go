package healthz

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"subnetvalidator/internal/validatorcore"
	"subnetvalidator/pkg/logging"
)

func testLogger() validatorcore.ILogger {
	return logging.NewLogger(logging.InfoLevel, nil)
}

func TestManager_IsHealthy_TrueWhenNoChecksRegistered(t *testing.T) {
	mgr := NewManager(testLogger())
	assert.True(t, mgr.IsHealthy())
}

func TestManager_IsHealthy_FalseWhenAnyCheckFails(t *testing.T) {
	mgr := NewManager(testLogger())
	mgr.Register("job-a", func() error { return nil })
	mgr.Register("job-b", func() error { return errors.New("stuck aborting") })

	assert.False(t, mgr.IsHealthy())
	status := mgr.GetStatus()
	assert.Equal(t, "Healthy", status["job-a"])
	assert.Contains(t, status["job-b"], "stuck aborting")
}

func TestJobHealth_UnhealthyAfterConsecutiveFailures(t *testing.T) {
	jh := NewJobHealth(3)
	assert.NoError(t, jh.Check())

	jh.RecordFailure(errors.New("round aborted"))
	jh.RecordFailure(errors.New("round aborted"))
	assert.NoError(t, jh.Check()) // below threshold

	jh.RecordFailure(errors.New("round aborted"))
	assert.Error(t, jh.Check())

	jh.RecordSuccess()
	assert.NoError(t, jh.Check())
}
