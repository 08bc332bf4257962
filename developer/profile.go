package developer

import "fmt"

// Profile is the behavioral persona a competing worker codes under.
// Distinct personas make candidates genuinely different so arbitration has
// something to choose between.
type Profile struct {
	Name           string
	CoverageTarget int
	Temperature    float64
	Instructions   string
}

var profiles = []Profile{
	{
		Name:           "conservative",
		CoverageTarget: 80,
		Temperature:    0.2,
		Instructions: "Favor proven, boring solutions. Minimize new dependencies and surface area. " +
			"Target at least 80% test coverage. Prefer explicit code over clever code.",
	},
	{
		Name:           "aggressive",
		CoverageTarget: 90,
		Temperature:    0.8,
		Instructions: "Favor thorough, forward-looking solutions. Cover edge cases exhaustively. " +
			"Target at least 90% test coverage. Optimize for completeness over minimalism.",
	},
	{
		Name:           "balanced",
		CoverageTarget: 85,
		Temperature:    0.5,
		Instructions: "Balance simplicity against completeness. Target at least 85% test coverage. " +
			"Prefer the smallest solution that fully satisfies the acceptance criteria.",
	},
}

// ProfileFor assigns a deterministic profile to a worker so reruns produce
// the same persona per worker ID.
func ProfileFor(workerID int) Profile {
	if workerID < 1 {
		workerID = 1
	}
	return profiles[(workerID-1)%len(profiles)]
}

// IsConservative reports whether a profile name is the conservative
// persona, the final arbitration tie-break.
func IsConservative(name string) bool {
	return name == "conservative"
}

func (p Profile) prompt() string {
	return fmt.Sprintf("You are a %s software developer. %s", p.Name, p.Instructions)
}
