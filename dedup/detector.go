// Package dedup detects exact and near-duplicate rule names so authoring
// flows can block accidental re-creation ("上厕所" vs "去厕所") while still
// letting the user force-create or rename.
package dedup

import (
	"sort"

	"github.com/chainpulse/ruleengine/rule"
)

// SimilarityThreshold is the score at or above which a non-exact name is
// reported as a near-duplicate. The value is a product decision, not a
// derived constant.
const SimilarityThreshold = 0.6

// SimilarMatch is a near-duplicate with its similarity score.
type SimilarMatch struct {
	Rule  *rule.ExceptionRule `json:"rule"`
	Score float64             `json:"score"`
}

// Result reports duplicate detection for a candidate name. Exact matches
// are blocking: the caller must resolve (reuse, rename, or force-create).
// Similar matches are advisory warnings.
type Result struct {
	HasExactMatch  bool                  `json:"has_exact_match"`
	ExactMatches   []*rule.ExceptionRule `json:"exact_matches"`
	SimilarMatches []SimilarMatch        `json:"similar_matches"`
}

// Detector compares candidate names against existing rules. All comparisons
// run on normalized names, so malformed name fields in the rule set can
// never make detection fail.
type Detector struct {
	threshold float64
}

// NewDetector creates a detector with the default similarity threshold.
func NewDetector() *Detector {
	return &Detector{threshold: SimilarityThreshold}
}

// Detect checks name against the active rules in the given set. Soft-deleted
// rules are never duplicates: their names are free for reuse.
func (d *Detector) Detect(name any, rules []*rule.ExceptionRule) *Result {
	candidate := rule.NormalizeName(name)
	result := &Result{}
	if candidate == "" {
		return result
	}

	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		existing := rule.NormalizeName(r.Name)
		if existing == "" {
			continue
		}
		if existing == candidate {
			result.ExactMatches = append(result.ExactMatches, r)
			continue
		}
		if score := Similarity(candidate, existing); score >= d.threshold {
			result.SimilarMatches = append(result.SimilarMatches, SimilarMatch{Rule: r, Score: score})
		}
	}

	result.HasExactMatch = len(result.ExactMatches) > 0
	sort.SliceStable(result.SimilarMatches, func(i, j int) bool {
		return result.SimilarMatches[i].Score > result.SimilarMatches[j].Score
	})
	return result
}

// Similarity scores two normalized names in [0,1]. The score is the better
// of a containment ratio (shorter name inside longer) and an edit-distance
// ratio, which together catch both "厕所"/"上厕所" and "上厕所"/"去厕所".
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ra, rb := []rune(a), []rune(b)
	shorter, longer := ra, rb
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}

	containment := 0.0
	if containsRunes(longer, shorter) {
		containment = float64(len(shorter)) / float64(len(longer))
	}

	dist := levenshtein(ra, rb)
	edit := 1 - float64(dist)/float64(len(longer))

	if containment > edit {
		return containment
	}
	return edit
}

func containsRunes(haystack, needle []rune) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// levenshtein computes edit distance over runes with a two-row table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
