// Package stages holds the concrete pipeline stage implementations. Each
// is a small shell around the stage framework lifecycle; their order and
// conditions are decided by the workflow planner.
package stages

import (
	"time"

	"github.com/artemisengine/artemis/sandbox"
)

// Config carries the knobs shared across stage implementations.
type Config struct {
	// WorkDir is where stages persist reports, ADRs, and working copies.
	WorkDir string

	// AutoApprove skips the human approval gate after analysis.
	AutoApprove bool

	// ApprovalTimeout bounds the wait for an external approval message.
	ApprovalTimeout time.Duration

	// ApprovalPollInterval is how often the inbox is re-read while
	// waiting. Messaging reads are polling; there is no blocking wait.
	ApprovalPollInterval time.Duration

	// KnownDependencies is the declared compatibility set the
	// dependencies stage verifies against. Empty means verify nothing.
	KnownDependencies map[string]string

	// DeniedDependencies are hard-blocked regardless of the known set.
	DeniedDependencies []string

	// ProtectedPaths are glob patterns the integration stage refuses to
	// overwrite inside the working copy.
	ProtectedPaths []string

	// SandboxLimits bound candidate test runs. Zero fields use the
	// executor defaults.
	SandboxLimits sandbox.ResourceLimits

	// ScanSecurity toggles the static scan before sandboxed runs.
	ScanSecurity bool
}

// DefaultConfig returns the stock stage configuration.
func DefaultConfig(workDir string) Config {
	return Config{
		WorkDir:              workDir,
		AutoApprove:          true,
		ApprovalTimeout:      10 * time.Minute,
		ApprovalPollInterval: 2 * time.Second,
		ProtectedPaths:       []string{".git/**", ".artemis/**", "**/.env"},
		ScanSecurity:         true,
	}
}

// Context keys written and read by the stages. Keys are write-once per
// pipeline execution.
const (
	KeyAnalysisReport     = "analysis_report"
	KeyApprovedChanges    = "approved_changes"
	KeyADRFile            = "adr_file"
	KeyDependencies       = "dependencies_identified"
	KeyRequirementsFile   = "requirements_file"
	KeyParallelDevelopers = "parallel_developers"
	KeyDeveloperResults   = "developer_results"
	KeyReviewScores       = "review_scores"
	KeyApprovedCandidates = "approved_candidates"
	KeyValidationEvidence = "validation_evidence"
	KeyWinner             = "winner"
	KeyArbitration        = "arbitration"
	KeyIntegrationStatus  = "integration_status"
	KeyTestingStatus      = "testing_status"
	KeyProductionReady    = "production_ready"
	KeyRAGInsights        = "rag_insights"
)
