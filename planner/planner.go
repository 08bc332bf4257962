// Package planner derives a workflow plan from a card: how complex the
// task is, which stages to run, and how many competing developers to fan
// out. The scoring algorithm is fixed; the keyword sets are configurable.
package planner

import (
	"fmt"
	"strings"

	"github.com/artemisengine/artemis/card"
)

// Complexity buckets a task by its score.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// TaskType classifies what kind of change the card asks for.
type TaskType string

const (
	TaskFeature       TaskType = "feature"
	TaskBugfix        TaskType = "bugfix"
	TaskRefactor      TaskType = "refactor"
	TaskDocumentation TaskType = "documentation"
	TaskOther         TaskType = "other"
)

// Stage names in baseline execution order. Arbitration is inserted between
// validation and integration only when developers compete.
const (
	StageAnalysis     = "analysis"
	StageArchitecture = "architecture"
	StageDependencies = "dependencies"
	StageDevelopment  = "development"
	StageReview       = "review"
	StageValidation   = "validation"
	StageArbitration  = "arbitration"
	StageIntegration  = "integration"
	StageTesting      = "testing"
)

// BaselineStages is the stage list before arbitration insertion and skip
// rules.
var BaselineStages = []string{
	StageAnalysis,
	StageArchitecture,
	StageDependencies,
	StageDevelopment,
	StageReview,
	StageValidation,
	StageIntegration,
	StageTesting,
}

// Plan is the derived workflow for one card, computed once at run start.
type Plan struct {
	Complexity         Complexity `json:"complexity"`
	TaskType           TaskType   `json:"task_type"`
	Stages             []string   `json:"stages"`
	SkipStages         []string   `json:"skip_stages"`
	ParallelDevelopers int        `json:"parallel_developers"`
	ExecutionStrategy  string     `json:"execution_strategy"` // sequential or parallel
	Reasoning          []string   `json:"reasoning"`
}

// Planner scores cards into plans.
type Planner struct {
	complexKeywords []string
	simpleKeywords  []string
}

// Option configures a Planner.
type Option func(*Planner)

// WithComplexKeywords replaces the complexity-raising keyword set.
func WithComplexKeywords(words []string) Option {
	return func(p *Planner) {
		p.complexKeywords = words
	}
}

// WithSimpleKeywords replaces the complexity-lowering keyword set.
func WithSimpleKeywords(words []string) Option {
	return func(p *Planner) {
		p.simpleKeywords = words
	}
}

// New creates a planner with the stock keyword sets.
func New(opts ...Option) *Planner {
	p := &Planner{
		complexKeywords: []string{
			"integrate", "integration", "migration", "migrate", "refactor",
			"distributed", "concurrency", "authentication", "oauth",
			"security", "protocol", "architecture", "breaking",
		},
		simpleKeywords: []string{
			"typo", "spelling", "rename", "comment", "readme",
			"documentation", "docs", "logging", "wording",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan derives the workflow plan for a card.
func (p *Planner) Plan(c *card.Card) *Plan {
	var reasoning []string

	score := priorityWeight(c.Priority) + pointsWeight(c.StoryPoints)
	reasoning = append(reasoning,
		fmt.Sprintf("priority %s and %d story points score %d", c.Priority, c.StoryPoints, score))

	text := strings.ToLower(c.Title + " " + c.Description)
	for _, kw := range p.complexKeywords {
		if strings.Contains(text, kw) {
			score += 2
			reasoning = append(reasoning, fmt.Sprintf("keyword %q raises complexity", kw))
			break
		}
	}
	for _, kw := range p.simpleKeywords {
		if strings.Contains(text, kw) {
			score -= 2
			reasoning = append(reasoning, fmt.Sprintf("keyword %q lowers complexity", kw))
			break
		}
	}

	complexity := complexityFor(score)
	developers := developersFor(complexity)
	taskType := classify(c)
	reasoning = append(reasoning,
		fmt.Sprintf("score %d maps to %s complexity with %d developer(s)", score, complexity, developers))

	stages := append([]string(nil), BaselineStages...)
	var skip []string

	if developers > 1 {
		stages = insertAfter(stages, StageValidation, StageArbitration)
		reasoning = append(reasoning, "competing developers require arbitration")
	} else {
		skip = append(skip, StageArbitration)
		reasoning = append(reasoning, "single developer skips arbitration")
	}

	if taskType == TaskDocumentation {
		stages = remove(stages, StageTesting)
		skip = append(skip, StageTesting)
		reasoning = append(reasoning, "documentation task skips testing")
	}

	strategy := "sequential"
	if developers > 1 {
		strategy = "parallel"
	}

	return &Plan{
		Complexity:         complexity,
		TaskType:           taskType,
		Stages:             stages,
		SkipStages:         skip,
		ParallelDevelopers: developers,
		ExecutionStrategy:  strategy,
		Reasoning:          reasoning,
	}
}

func priorityWeight(priority card.Priority) int {
	switch priority {
	case card.PriorityHigh:
		return 3
	case card.PriorityMedium:
		return 1
	default:
		return 0
	}
}

// pointsWeight maps story points onto the score in tiers rather than
// linearly so a long backlog estimate alone cannot dominate.
func pointsWeight(points int) int {
	switch {
	case points >= 13:
		return 4
	case points >= 8:
		return 3
	case points >= 3:
		return 2
	case points >= 2:
		return 1
	default:
		return 0
	}
}

func complexityFor(score int) Complexity {
	switch {
	case score >= 6:
		return ComplexityComplex
	case score >= 3:
		return ComplexityMedium
	default:
		return ComplexitySimple
	}
}

func developersFor(c Complexity) int {
	switch c {
	case ComplexityComplex:
		return 3
	case ComplexityMedium:
		return 2
	default:
		return 1
	}
}

// classify picks the task type from labels first, then title keywords.
func classify(c *card.Card) TaskType {
	for _, label := range c.Labels {
		switch strings.ToLower(label) {
		case "bug", "bugfix", "fix":
			return TaskBugfix
		case "feature", "enhancement":
			return TaskFeature
		case "refactor", "refactoring":
			return TaskRefactor
		case "documentation", "docs":
			return TaskDocumentation
		}
	}

	title := strings.ToLower(c.Title)
	switch {
	case strings.Contains(title, "fix") || strings.Contains(title, "bug"):
		return TaskBugfix
	case strings.Contains(title, "refactor"):
		return TaskRefactor
	case strings.Contains(title, "document") || strings.Contains(title, "readme") ||
		strings.Contains(title, "docs"):
		return TaskDocumentation
	case strings.Contains(title, "add") || strings.Contains(title, "implement") ||
		strings.Contains(title, "integrate") || strings.Contains(title, "support"):
		return TaskFeature
	default:
		return TaskOther
	}
}

func insertAfter(stages []string, after, name string) []string {
	out := make([]string, 0, len(stages)+1)
	for _, s := range stages {
		out = append(out, s)
		if s == after {
			out = append(out, name)
		}
	}
	return out
}

func remove(stages []string, name string) []string {
	out := stages[:0]
	for _, s := range stages {
		if s != name {
			out = append(out, s)
		}
	}
	return out
}
