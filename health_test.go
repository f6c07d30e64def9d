package tierrouter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTracker_Transitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealthTracker()
	h.now = func() time.Time { return now }
	pk := CLISession("claude")

	assert.Equal(t, HealthHealthy, h.GetHealth(pk))

	for i := 0; i < healthFailureThreshold-1; i++ {
		h.RecordFailure(pk, errors.New("boom"))
	}
	assert.Equal(t, HealthHealthy, h.GetHealth(pk))

	h.RecordFailure(pk, errors.New("boom"))
	assert.Equal(t, HealthUnhealthy, h.GetHealth(pk))

	now = now.Add(healthUnhealthyPeriod)
	assert.Equal(t, HealthHalfOpen, h.GetHealth(pk))

	h.RecordSuccess(pk)
	snap := h.Snapshot(pk)
	assert.Equal(t, HealthHealthy, snap.State)
	assert.Zero(t, snap.Failures)
	assert.Equal(t, "boom", snap.LastError)
	assert.Equal(t, now, snap.LastSuccess)
}

func TestHealthTracker_FailureWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewHealthTracker()
	h.now = func() time.Time { return now }
	pk := APIKey("openai")

	h.RecordFailure(pk, errors.New("a"))
	h.RecordFailure(pk, errors.New("b"))
	now = now.Add(healthFailureWindow + time.Second)
	h.RecordFailure(pk, errors.New("c"))

	snap := h.Snapshot(pk)
	assert.Equal(t, HealthHealthy, snap.State)
	assert.Equal(t, 1, snap.Failures)
}
