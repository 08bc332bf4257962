package model

import (
	"sync"
	"time"
)

// EndpointHealth tracks the health status of a model endpoint.
type EndpointHealth struct {
	// Available indicates if the endpoint is currently usable.
	Available bool `json:"available"`

	// LastSuccess is the time of the last successful request.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed request.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	// CircuitOpen indicates if the circuit breaker has tripped.
	CircuitOpen bool `json:"circuit_open"`

	// CircuitOpenedAt is when the circuit was opened.
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the endpoint health tracking behavior.
type HealthConfig struct {
	// FailureThreshold is the number of failures before opening the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long to wait before trying a failed endpoint again.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns sensible defaults for health tracking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// healthState stores endpoint health information.
type healthState struct {
	mu       sync.RWMutex
	config   HealthConfig
	statuses map[string]*EndpointHealth
}

func newHealthState(cfg HealthConfig) *healthState {
	return &healthState{
		config:   cfg,
		statuses: make(map[string]*EndpointHealth),
	}
}

func (h *healthState) getOrCreate(name string) *EndpointHealth {
	if status, ok := h.statuses[name]; ok {
		return status
	}
	status := &EndpointHealth{Available: true}
	h.statuses[name] = status
	return status
}

// MarkEndpointSuccess records a successful request to an endpoint.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()

	status := r.health.getOrCreate(name)
	status.LastSuccess = time.Now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
}

// MarkEndpointFailure records a failed request to an endpoint.
func (r *Registry) MarkEndpointFailure(name string) {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()

	status := r.health.getOrCreate(name)
	status.LastFailure = time.Now()
	status.FailureCount++

	if status.FailureCount >= r.health.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = time.Now()
		status.Available = false
	}
}

// IsEndpointAvailable checks if an endpoint is available for requests.
// Returns false while the circuit breaker is open and the recovery timeout
// has not passed; after that one probe request is allowed (half-open).
func (r *Registry) IsEndpointAvailable(name string) bool {
	r.health.mu.RLock()
	status, ok := r.health.statuses[name]
	if !ok {
		r.health.mu.RUnlock()
		return true
	}
	circuitOpen := status.CircuitOpen
	circuitOpenedAt := status.CircuitOpenedAt
	recoveryTimeout := r.health.config.RecoveryTimeout
	r.health.mu.RUnlock()

	if !circuitOpen {
		return true
	}
	return time.Since(circuitOpenedAt) > recoveryTimeout
}

// GetEndpointHealth returns a copy of the health status for an endpoint,
// or nil if no requests have been recorded.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	r.health.mu.RLock()
	defer r.health.mu.RUnlock()

	if status, ok := r.health.statuses[name]; ok {
		copied := *status
		return &copied
	}
	return nil
}

// GetAvailableFallbackChain returns the fallback chain filtered to only
// available endpoints. If every endpoint is unavailable the full chain is
// returned; trying something beats trying nothing.
func (r *Registry) GetAvailableFallbackChain(cap Capability) []string {
	chain := r.GetFallbackChain(cap)
	available := make([]string, 0, len(chain))

	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}

	if len(available) == 0 {
		return chain
	}
	return available
}

// SetHealthConfig updates the health tracking configuration.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	r.health.mu.Lock()
	defer r.health.mu.Unlock()
	r.health.config = cfg
}
