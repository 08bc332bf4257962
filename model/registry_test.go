package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityCoding: {
				Preferred: []string{"primary"},
				Fallback:  []string{"backup"},
			},
		},
		map[string]*EndpointConfig{
			"primary": {Provider: "anthropic", Model: "model-a"},
			"backup":  {Provider: "ollama", URL: "http://localhost:11434/v1", Model: "model-b"},
		},
	)
}

func TestRegistry_Resolve(t *testing.T) {
	r := testRegistry()

	assert.Equal(t, "primary", r.Resolve(CapabilityCoding))
	// Unknown capability falls back to the default endpoint.
	assert.Equal(t, "default", r.Resolve(CapabilityPlanning))
}

func TestRegistry_GetFallbackChain(t *testing.T) {
	r := testRegistry()

	chain := r.GetFallbackChain(CapabilityCoding)
	assert.Equal(t, []string{"primary", "backup"}, chain)
}

func TestRegistry_PinModel(t *testing.T) {
	r := testRegistry()

	require.NoError(t, r.PinModel("backup"))
	assert.Equal(t, []string{"backup"}, r.GetFallbackChain(CapabilityCoding))

	err := r.PinModel("nonexistent")
	assert.Error(t, err)
}

func TestCapabilityForStage(t *testing.T) {
	tests := []struct {
		stage string
		want  Capability
	}{
		{"analysis", CapabilityPlanning},
		{"architecture", CapabilityPlanning},
		{"development", CapabilityCoding},
		{"review", CapabilityReviewing},
		{"unknown-stage", CapabilityFast},
	}

	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			assert.Equal(t, tt.want, CapabilityForStage(tt.stage))
		})
	}
}

func TestRegistry_HealthCircuit(t *testing.T) {
	r := testRegistry()
	r.SetHealthConfig(HealthConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	})

	assert.True(t, r.IsEndpointAvailable("primary"))

	r.MarkEndpointFailure("primary")
	assert.True(t, r.IsEndpointAvailable("primary"), "below threshold stays available")

	r.MarkEndpointFailure("primary")
	assert.False(t, r.IsEndpointAvailable("primary"), "circuit opens at threshold")

	health := r.GetEndpointHealth("primary")
	require.NotNil(t, health)
	assert.True(t, health.CircuitOpen)
	assert.Equal(t, 2, health.FailureCount)

	// Recovery timeout elapses: probe allowed.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, r.IsEndpointAvailable("primary"))

	// Success closes the circuit and resets the counter.
	r.MarkEndpointSuccess("primary")
	health = r.GetEndpointHealth("primary")
	require.NotNil(t, health)
	assert.False(t, health.CircuitOpen)
	assert.Equal(t, 0, health.FailureCount)
}

func TestRegistry_GetAvailableFallbackChain(t *testing.T) {
	r := testRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	r.MarkEndpointFailure("primary")
	assert.Equal(t, []string{"backup"}, r.GetAvailableFallbackChain(CapabilityCoding))

	// With every endpoint down the full chain is returned.
	r.MarkEndpointFailure("backup")
	assert.Equal(t, []string{"primary", "backup"}, r.GetAvailableFallbackChain(CapabilityCoding))
}
