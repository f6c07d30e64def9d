package tierrouter

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthTracker keeps a circuit-breaker view of each provider. It is for
// reporting only: health never skips or reorders a provider.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[string]*providerHealth
	now       func() time.Time
}

type providerHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
	lastError   string
	lastSuccess time.Time
}

// HealthSnapshot is the reported health of one provider.
type HealthSnapshot struct {
	State       HealthState
	Failures    int
	LastError   string
	LastSuccess time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		providers: make(map[string]*providerHealth),
		now:       time.Now,
	}
}

// GetHealth returns the current state of a provider.
func (h *HealthTracker) GetHealth(provider ProviderKind) HealthState {
	return h.Snapshot(provider).State
}

// Snapshot returns the current health of a provider.
func (h *HealthTracker) Snapshot(provider ProviderKind) HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider.String()]
	if !ok {
		return HealthSnapshot{State: HealthHealthy}
	}

	// Unhealthy period elapsed: half-open until the next result.
	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= healthUnhealthyPeriod {
		ph.state = HealthHalfOpen
	}

	return HealthSnapshot{
		State:       ph.state,
		Failures:    len(ph.failures),
		LastError:   ph.lastError,
		LastSuccess: ph.lastSuccess,
	}
}

// RecordSuccess records a successful call.
func (h *HealthTracker) RecordSuccess(provider ProviderKind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.state = HealthHealthy
	ph.failures = ph.failures[:0]
	ph.lastSuccess = h.now()
}

// RecordFailure records a provider whose retries were exhausted.
func (h *HealthTracker) RecordFailure(provider ProviderKind, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	if err != nil {
		ph.lastError = err.Error()
	}
	if ph.state == HealthUnhealthy {
		return
	}

	now := h.now()
	cutoff := now.Add(-healthFailureWindow)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= healthFailureThreshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(provider ProviderKind) *providerHealth {
	key := provider.String()
	ph, ok := h.providers[key]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[key] = ph
	}
	return ph
}
