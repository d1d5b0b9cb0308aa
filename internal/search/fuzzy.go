package search

import (
	"strings"

	"github.com/stroyka-ai/material-catalog/internal/storage"
)

// Field weights for the fuzzy blend.
const (
	fuzzyWeightName        = 0.4
	fuzzyWeightDescription = 0.3
	fuzzyWeightUseCategory = 0.2
	fuzzyWeightSKU         = 0.1
)

// levenshteinDistance computes the edit distance over runes, so
// Cyrillic text measures by characters rather than bytes.
func levenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// levenshteinRatio maps edit distance onto [0,1].
func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshteinDistance(a, b))/float64(longest)
}

// sequenceRatio measures the longest-common-subsequence overlap of two
// strings, the classic difflib-style ratio.
func sequenceRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
		for j := range curr {
			curr[j] = 0
		}
	}
	return 2 * float64(prev[len(rb)]) / float64(total)
}

// fieldRatio blends the two ratios for one field. The query also
// matches a longer field that contains it verbatim.
func fieldRatio(query, field string) float64 {
	query = strings.ToLower(strings.TrimSpace(query))
	field = strings.ToLower(strings.TrimSpace(field))
	if query == "" || field == "" {
		return 0
	}
	if query == field {
		return 1
	}

	score := levenshteinRatio(query, field)
	if seq := sequenceRatio(query, field); seq > score {
		score = seq
	}
	if strings.Contains(field, query) {
		// Substring hits score by how much of the field they cover,
		// floored high enough to beat pure edit-distance noise.
		coverage := float64(len([]rune(query))) / float64(len([]rune(field)))
		if sub := 0.85 + 0.15*coverage; sub > score {
			score = sub
		}
	}
	return score
}

// fuzzyScore blends the per-field ratios with the fixed weights,
// normalized over the fields the material actually has.
func fuzzyScore(query string, m *storage.Material, searchFields []string) float64 {
	include := func(field string) bool {
		if len(searchFields) == 0 {
			return true
		}
		for _, f := range searchFields {
			if f == field {
				return true
			}
		}
		return false
	}

	type part struct {
		weight float64
		value  string
	}
	parts := make([]part, 0, 4)
	if include("name") {
		parts = append(parts, part{fuzzyWeightName, m.Name})
	}
	if include("description") && m.Description != nil && *m.Description != "" {
		parts = append(parts, part{fuzzyWeightDescription, *m.Description})
	}
	if include("use_category") && m.UseCategory != "" {
		parts = append(parts, part{fuzzyWeightUseCategory, m.UseCategory})
	}
	// SKU always participates when present; it is not a text field the
	// search_fields filter governs.
	if m.SKU != nil && *m.SKU != "" {
		parts = append(parts, part{fuzzyWeightSKU, *m.SKU})
	}

	var weighted, totalWeight float64
	for _, p := range parts {
		weighted += p.weight * fieldRatio(query, p.value)
		totalWeight += p.weight
	}
	if totalWeight == 0 {
		return 0
	}
	return weighted / totalWeight
}
