// Package model provides capability-based model selection for pipeline
// stages. Stages specify capabilities (planning, coding, reviewing) rather
// than model names; the registry resolves them to configured endpoints with
// fallback chains and tracks per-endpoint health.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityPlanning is for high-level reasoning: analysis and
	// architecture decisions.
	CapabilityPlanning Capability = "planning"

	// CapabilityCoding is for code generation by developer workers.
	CapabilityCoding Capability = "coding"

	// CapabilityReviewing is for code review and candidate scoring.
	CapabilityReviewing Capability = "reviewing"

	// CapabilityLearning is for unexpected-state recovery synthesis.
	CapabilityLearning Capability = "learning"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// StageCapabilities maps pipeline stage names to their default capability.
var StageCapabilities = map[string]Capability{
	"analysis":     CapabilityPlanning,
	"architecture": CapabilityPlanning,
	"development":  CapabilityCoding,
	"review":       CapabilityReviewing,
	"validation":   CapabilityReviewing,
	"integration":  CapabilityFast,
	"testing":      CapabilityFast,
}

// CapabilityForStage returns the default capability for a stage.
// Returns CapabilityFast for unknown stages.
func CapabilityForStage(stage string) Capability {
	if c, ok := StageCapabilities[stage]; ok {
		return c
	}
	return CapabilityFast
}

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityPlanning, CapabilityCoding, CapabilityReviewing, CapabilityLearning, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for
// invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
