package identity

import "strings"

// DefaultNameThreshold is the minimum score at which a fuzzy name match is accepted.
const DefaultNameThreshold = 0.5

const (
	exactNameScore     = 1.0
	substringNameScore = 0.8
	tokenBaseScore     = 0.5
	tokenOverlapWeight = 0.3
)

// ScoreNames scores how likely two free-text names refer to the same person, in [0,1].
func ScoreNames(candidate, query string) float64 {
	left := strings.ToLower(strings.TrimSpace(candidate))
	right := strings.ToLower(strings.TrimSpace(query))
	if left == "" || right == "" {
		return 0
	}
	if left == right {
		return exactNameScore
	}
	if strings.Contains(left, right) || strings.Contains(right, left) {
		return substringNameScore
	}

	leftTokens := strings.Fields(left)
	rightTokens := strings.Fields(right)
	rightSet := make(map[string]struct{}, len(rightTokens))
	for _, token := range rightTokens {
		rightSet[token] = struct{}{}
	}

	matching := 0
	seen := make(map[string]struct{}, len(leftTokens))
	for _, token := range leftTokens {
		if len([]rune(token)) <= 1 {
			continue
		}
		if _, duplicate := seen[token]; duplicate {
			continue
		}
		seen[token] = struct{}{}
		if _, ok := rightSet[token]; ok {
			matching++
		}
	}
	if matching == 0 {
		return 0
	}
	denominator := max(len(leftTokens), len(rightTokens))
	return tokenBaseScore + tokenOverlapWeight*float64(matching)/float64(denominator)
}

// BestNameMatch returns the index of the highest scoring candidate at or above threshold.
// Ties keep the earliest candidate. The index is -1 when nothing qualifies.
func BestNameMatch[T any](query string, candidates []T, nameOf func(T) string, threshold float64) (int, float64) {
	bestIndex := -1
	bestScore := 0.0
	for index, candidate := range candidates {
		score := ScoreNames(nameOf(candidate), query)
		if score <= 0 || score < threshold {
			continue
		}
		if bestIndex == -1 || score > bestScore {
			bestIndex = index
			bestScore = score
		}
	}
	return bestIndex, bestScore
}
