package search

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stroyka-ai/material-catalog/internal/storage"
)

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"цемент", "", 6},
		{"цемент", "цемент", 0},
		{"цемент", "цемнт", 1},
		{"кирпич", "кирпичи", 1},
		{"шуруп", "саморез", 6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshteinDistance(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
		assert.Equal(t, tt.want, levenshteinDistance(tt.b, tt.a), "%q vs %q reversed", tt.b, tt.a)
	}
}

func TestLevenshteinRatio(t *testing.T) {
	assert.Equal(t, 1.0, levenshteinRatio("цемент", "цемент"))
	assert.Equal(t, 1.0, levenshteinRatio("", ""))
	assert.Equal(t, 0.0, levenshteinRatio("абв", "где"))
	assert.InDelta(t, 1.0-1.0/6.0, levenshteinRatio("цемент", "цемнт"), 1e-9)
}

func TestSequenceRatio(t *testing.T) {
	assert.Equal(t, 1.0, sequenceRatio("цемент", "цемент"))
	assert.Equal(t, 1.0, sequenceRatio("", ""))
	assert.Equal(t, 0.0, sequenceRatio("аб", "вг"))
	// LCS of "цемнт" inside "цемент" is all 5 runes.
	assert.InDelta(t, 2.0*5/11, sequenceRatio("цемент", "цемнт"), 1e-9)
}

func TestFieldRatio(t *testing.T) {
	assert.Equal(t, 1.0, fieldRatio(" Цемент ", "цемент"))
	assert.Equal(t, 0.0, fieldRatio("", "цемент"))
	assert.Equal(t, 0.0, fieldRatio("цемент", ""))

	// Substring hits beat raw edit distance on long fields.
	sub := fieldRatio("цемент", "портландцемент марки м500")
	assert.GreaterOrEqual(t, sub, 0.85)
	assert.Less(t, sub, 1.0)

	// Typos stay close to the exact score.
	assert.Greater(t, fieldRatio("цемнт м500", "цемент м500"), 0.85)
}

func TestFuzzyScore_NameOnlyExactMatch(t *testing.T) {
	m := &storage.Material{Name: "Цемент М500"}
	assert.InDelta(t, 1.0, fuzzyScore("цемент м500", m, nil), 1e-9)
}

func TestFuzzyScore_SearchFieldsRestrictParticipation(t *testing.T) {
	desc := "портландцемент для фундамента"
	m := &storage.Material{
		Name:        "ПЦ-500",
		UseCategory: "цемент",
		Description: &desc,
	}

	all := fuzzyScore("цемент", m, nil)
	nameOnly := fuzzyScore("цемент", m, []string{"name"})
	assert.Greater(t, all, nameOnly, "description and category should lift the score when included")
}

func TestFuzzyScore_SKUAlwaysParticipates(t *testing.T) {
	sku := "CEM-500"
	m := &storage.Material{Name: "Цемент М500", SKU: &sku}

	// Restricting search_fields to name does not drop the SKU field.
	withName := fuzzyScore("cem-500", m, []string{"name"})
	assert.Greater(t, withName, 0.0)

	exact := fuzzyScore("cem-500", &storage.Material{Name: "x", SKU: &sku}, []string{"name"})
	noSKU := fuzzyScore("cem-500", &storage.Material{Name: "x"}, []string{"name"})
	assert.Greater(t, exact, noSKU)
}

func TestFuzzyScore_EmptyFieldsScoreZero(t *testing.T) {
	m := &storage.Material{}
	assert.Equal(t, 0.0, fuzzyScore("цемент", m, []string{"description"}))
}
