package artifact

import "sort"

// Recommendation summarizes what past runs of similar tasks suggest.
type Recommendation struct {
	SimilarTasksCount int      `json:"similar_tasks_count"`
	Confidence        string   `json:"confidence"` // low, high, very_high
	Recommend         []string `json:"recommend"`
	Avoid             []string `json:"avoid"`
}

// recommendationTypes are the only artifact types consulted: the ones that
// carry outcome evidence rather than intermediate reasoning.
var recommendationTypes = []Type{
	TypeArbitrationScore,
	TypeIntegrationResult,
	TypeTestingResult,
}

const recommendationTopK = 10

// minRecommendationSimilarity keeps near-zero hash-collision matches from
// counting as "similar tasks".
const minRecommendationSimilarity = 0.1

// Recommendations queries outcome artifacts similar to the task and
// aggregates what worked and what blocked. context narrows the query via
// exact metadata matches and may be nil.
func (s *Store) Recommendations(taskDescription string, context map[string]any) *Recommendation {
	matches := s.QuerySimilar(taskDescription, recommendationTypes, recommendationTopK, context)

	recommend := map[string]int{}
	avoid := map[string]int{}
	count := 0
	for _, m := range matches {
		if m.Similarity < minRecommendationSimilarity {
			continue
		}
		count++
		for _, tech := range stringList(m.Artifact.Metadata["technologies"]) {
			recommend[tech]++
		}
		for _, tech := range stringList(m.Artifact.Metadata["winning_technologies"]) {
			recommend[tech]++
		}
		for _, blocker := range stringList(m.Artifact.Metadata["blockers"]) {
			avoid[blocker]++
		}
	}

	return &Recommendation{
		SimilarTasksCount: count,
		Confidence:        confidenceTier(count),
		Recommend:         rankedKeys(recommend),
		Avoid:             rankedKeys(avoid),
	}
}

func confidenceTier(similarTasks int) string {
	switch {
	case similarTasks >= 3:
		return "very_high"
	case similarTasks >= 1:
		return "high"
	default:
		return "low"
	}
}

// stringList coerces metadata values that may be []string, []any, or a
// single string into a string slice.
func stringList(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	default:
		return nil
	}
}

// rankedKeys orders by descending occurrence count, name as tie-break so
// output is stable.
func rankedKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
