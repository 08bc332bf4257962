package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/artemisengine/artemis/card"
	"github.com/artemisengine/artemis/developer"
	"github.com/artemisengine/artemis/stage"
)

// Validation runs every candidate's declared tests in the sandbox. A
// sandbox violation disqualifies that candidate; the stage fails only when
// no candidate survives.
type Validation struct {
	deps stage.Deps
	cfg  Config

	candidates []*developer.Result
}

// NewValidation creates the validation stage.
func NewValidation(deps stage.Deps, cfg Config) *Validation {
	return &Validation{deps: deps, cfg: cfg}
}

func (s *Validation) Name() string { return "validation" }

// Setup pulls the developer results out of the context.
func (s *Validation) Setup(pctx *stage.Context) error {
	v, ok := pctx.Get(KeyDeveloperResults)
	if !ok {
		return fmt.Errorf("no %s in context", KeyDeveloperResults)
	}
	results, ok := v.([]*developer.Result)
	if !ok {
		return fmt.Errorf("%s has unexpected type %T", KeyDeveloperResults, v)
	}
	s.candidates = results
	return nil
}

func (s *Validation) Run(ctx context.Context, c *card.Card, _ *stage.Context) (map[string]any, error) {
	if s.deps.Sandbox == nil {
		return nil, fmt.Errorf("no sandbox executor configured")
	}

	approved := []int{}
	evidence := map[int]developer.Evidence{}
	for _, cand := range s.candidates {
		if !cand.Succeeded() {
			continue
		}

		ev, violation, err := s.validateCandidate(ctx, cand)
		if err != nil {
			return nil, fmt.Errorf("validate worker %d: %w", cand.WorkerID, err)
		}
		if violation != "" {
			cand.Disqualify(violation)
			s.deps.Logger.Warn("Candidate disqualified",
				"card_id", c.CardID,
				"worker_id", cand.WorkerID,
				"reason", violation)
			continue
		}

		ev.CriteriaTotal = len(c.AcceptanceCriteria)
		evidence[cand.WorkerID] = ev
		if ev.TestsTotal == 0 || ev.TestsPassed == ev.TestsTotal {
			approved = append(approved, cand.WorkerID)
		}
	}

	if len(evidence) == 0 {
		return nil, fmt.Errorf("all candidates disqualified by the sandbox")
	}

	return map[string]any{
		KeyApprovedCandidates: approved,
		KeyValidationEvidence: evidence,
	}, nil
}

// validateCandidate runs the candidate's tests in one sandboxed process.
// Returns the measured evidence, or a non-empty violation reason when the
// sandbox killed the run.
func (s *Validation) validateCandidate(ctx context.Context, cand *developer.Result) (developer.Evidence, string, error) {
	var ev developer.Evidence
	if len(cand.TestFiles) == 0 {
		return ev, "", nil
	}

	code, language := testHarness(cand)
	result, err := s.deps.Sandbox.Execute(ctx, code, language, s.cfg.SandboxLimits, s.cfg.ScanSecurity)
	if err != nil {
		return ev, "", err
	}
	if result.Killed {
		return ev, string(result.KillReason), nil
	}

	ev.TestsPassed, ev.TestsTotal = parseTestCounts(result.Stdout)
	ev.CoveragePercent = parseCoverage(result.Stdout)
	if ev.TestsTotal > 0 && ev.TestsPassed == ev.TestsTotal {
		ev.CriteriaMet = 1 // refined by review evidence during arbitration
	}
	return ev, "", nil
}

// testHarness inlines the candidate's sources and a minimal runner into a
// single sandboxable script. Python candidates get a stdlib-only harness
// that discovers test_ functions and reports PASSED/FAILED counts.
func testHarness(cand *developer.Result) (string, string) {
	var b strings.Builder
	for _, f := range append(append([]developer.File{}, cand.ImplementationFiles...), cand.TestFiles...) {
		if strings.ToLower(filepath.Ext(f.Path)) != ".py" {
			continue
		}
		b.WriteString(f.Content)
		b.WriteString("\n")
	}

	b.WriteString(`
import sys
_passed = 0
_failed = 0
for _name in sorted(dir()):
    if _name.startswith("test_"):
        _fn = globals()[_name]
        if callable(_fn):
            try:
                _fn()
                _passed += 1
            except Exception:
                _failed += 1
print(f"PASSED={_passed} FAILED={_failed}")
sys.exit(1 if _failed else 0)
`)
	return b.String(), "python"
}

var (
	testCountPattern = regexp.MustCompile(`PASSED=(\d+) FAILED=(\d+)`)
	coveragePattern  = regexp.MustCompile(`(?i)coverage[:=]\s*(\d+(?:\.\d+)?)%?`)
)

func parseTestCounts(stdout string) (passed, total int) {
	m := testCountPattern.FindStringSubmatch(stdout)
	if m == nil {
		return 0, 0
	}
	passed, _ = strconv.Atoi(m[1])
	failed, _ := strconv.Atoi(m[2])
	return passed, passed + failed
}

func parseCoverage(stdout string) float64 {
	m := coveragePattern.FindStringSubmatch(stdout)
	if m == nil {
		return 0
	}
	v, _ := strconv.ParseFloat(m[1], 64)
	return v
}
