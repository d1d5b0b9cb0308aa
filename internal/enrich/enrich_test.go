package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stroyka-ai/material-catalog/internal/embedding"
	"github.com/stroyka-ai/material-catalog/internal/reference"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/internal/vectorstore"
)

const testDim = 16

func strPtr(s string) *string { return &s }

func TestParser_ModelResponse(t *testing.T) {
	completer := &embedding.MockCompleter{
		Response: `{"color": "Красный", "parsed_unit": "КГ", "unit_coefficient": 25, "confidence": 0.93}`,
	}
	p := NewParser(completer, nil)

	res, err := p.Parse(context.Background(), "Кирпич красный 25 кг", "мешок")
	require.NoError(t, err)
	require.NotNil(t, res.Color)
	assert.Equal(t, "красный", *res.Color)
	require.NotNil(t, res.ParsedUnit)
	assert.Equal(t, "кг", *res.ParsedUnit)
	require.NotNil(t, res.UnitCoefficient)
	assert.EqualValues(t, 25, *res.UnitCoefficient)
	assert.False(t, res.LowConfidence)
}

func TestParser_CodeFencedResponse(t *testing.T) {
	completer := &embedding.MockCompleter{
		Response: "```json\n{\"parsed_unit\": \"шт\", \"confidence\": 0.8}\n```",
	}
	p := NewParser(completer, nil)

	res, err := p.Parse(context.Background(), "Дюбель", "")
	require.NoError(t, err)
	require.NotNil(t, res.ParsedUnit)
	assert.Equal(t, "шт", *res.ParsedUnit)
}

func TestParser_CompletionFailureFallsBackToLexicon(t *testing.T) {
	completer := &embedding.MockCompleter{Err: errors.New("upstream down")}
	p := NewParser(completer, nil)

	res, err := p.Parse(context.Background(), "Цемент серый", "кг")
	require.NoError(t, err, "parser degrades instead of failing the item")
	assert.True(t, res.LowConfidence)
	require.NotNil(t, res.Color)
	assert.Equal(t, "серый", *res.Color)
	require.NotNil(t, res.ParsedUnit)
	assert.Equal(t, "кг", *res.ParsedUnit)
}

func TestParser_MalformedJSONPassesThrough(t *testing.T) {
	completer := &embedding.MockCompleter{Response: "sorry, I cannot help"}
	p := NewParser(completer, nil)

	res, err := p.Parse(context.Background(), "Нечто непонятное", "")
	require.NoError(t, err)
	assert.True(t, res.LowConfidence)
	assert.Nil(t, res.Color)
}

func TestInferUnit(t *testing.T) {
	assert.Equal(t, "кг", InferUnit("цемент 50 кг"))
	assert.Equal(t, "м2", InferUnit("плитка кв.м"))
	assert.Equal(t, "", InferUnit("без единицы"))
}

func TestInferCategory(t *testing.T) {
	assert.Equal(t, "цемент", InferCategory("Цемент портландский М500"))
	assert.Equal(t, "клеи и смеси", InferCategory("Клей для плитки"))
	assert.Equal(t, "", InferCategory("неизвестный товар"))
}

func newRefs(t *testing.T) *reference.Set {
	t.Helper()
	set := reference.NewSet(vectorstore.NewMemoryStore(testDim), embedding.NewMockEmbedder(testDim))
	require.NoError(t, set.Seed(context.Background(), nil))
	return set
}

func TestNormalizer_ExactHitCanonicalizes(t *testing.T) {
	ctx := context.Background()
	refs := newRefs(t)
	n := NewNormalizer(refs, 0.80, 0.85)

	// An alias-free entry embeds exactly its name, so the mock embeds
	// the identical text to the identical vector: cosine 1.0.
	_, err := refs.Units.Add(ctx, reference.Entry{Name: "поддон"})
	require.NoError(t, err)

	out, err := n.Normalize(ctx, &ParseResult{ParsedUnit: strPtr("поддон")})
	require.NoError(t, err)
	require.NotNil(t, out.Unit)
	assert.Equal(t, "поддон", *out.Unit)
	assert.NotNil(t, out.UnitID)
	assert.False(t, out.Failed)
}

func TestNormalizer_BelowThresholdRetainsRaw(t *testing.T) {
	ctx := context.Background()
	refs := newRefs(t)
	n := NewNormalizer(refs, 0.80, 0.85)

	out, err := n.Normalize(ctx, &ParseResult{
		Color: strPtr("цвет морской волны на закате"),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Color)
	assert.Equal(t, "цвет морской волны на закате", *out.Color)
	assert.Nil(t, out.ColorID)
	assert.True(t, out.Failed)
}

func TestNormalizer_NilFieldsSkipped(t *testing.T) {
	out, err := NewNormalizer(newRefs(t), 0.80, 0.85).
		Normalize(context.Background(), &ParseResult{})
	require.NoError(t, err)
	assert.Nil(t, out.Color)
	assert.Nil(t, out.Unit)
	assert.False(t, out.Failed)
}

func TestCombinedText(t *testing.T) {
	assert.Equal(t, "цемент м500 кг серый",
		CombinedText(" Цемент М500 ", strPtr("КГ"), strPtr("серый")))
	assert.Equal(t, "цемент", CombinedText("Цемент", nil, nil))
	assert.Equal(t, "цемент кг", CombinedText("Цемент", strPtr("кг"), strPtr("  ")))
}

func assignerFixture(t *testing.T) (*reference.Set, *embedding.MockEmbedder) {
	t.Helper()
	emb := embedding.NewMockEmbedder(testDim)
	set := reference.NewSet(vectorstore.NewMemoryStore(testDim), emb)
	return set, emb
}

func TestAssigner_ConfidentMatch(t *testing.T) {
	ctx := context.Background()
	refs, emb := assignerFixture(t)

	entry, err := refs.Materials.Add(ctx, reference.Entry{Name: "цемент м500 кг", SKU: "CEM-500"})
	require.NoError(t, err)

	a := NewAssigner(refs, emb, 0.88, 0.75, 5, false)
	out, err := a.Assign(ctx, "Цемент М500", &Normalized{Unit: strPtr("кг")})
	require.NoError(t, err)

	require.NotNil(t, out.SKU)
	assert.Equal(t, "CEM-500", *out.SKU)
	require.NotNil(t, out.Confidence)
	assert.Equal(t, storage.SKUConfidenceHigh, *out.Confidence)
	assert.Equal(t, entry.ID, *out.MatchedID)
	assert.False(t, out.SelfSeeded)
}

func TestAssigner_WeakMatch(t *testing.T) {
	ctx := context.Background()
	refs, emb := assignerFixture(t)

	// Pin the candidate and the query to vectors with cosine ≈ 0.80:
	// above weak (0.75), below confident (0.88).
	q := make([]float32, testDim)
	c := make([]float32, testDim)
	q[0] = 1
	c[0] = 0.80
	c[1] = 0.60
	emb.Fixed = map[string][]float32{
		"кирпич красный": q,
		"кирпич":         c,
	}

	_, err := refs.Materials.Add(ctx, reference.Entry{Name: "кирпич", SKU: "BRK-1"})
	require.NoError(t, err)

	a := NewAssigner(refs, emb, 0.88, 0.75, 5, false)
	out, err := a.Assign(ctx, "Кирпич", &Normalized{Color: strPtr("красный")})
	require.NoError(t, err)

	require.NotNil(t, out.SKU)
	assert.Equal(t, "BRK-1", *out.SKU)
	require.NotNil(t, out.Confidence)
	assert.Equal(t, storage.SKUConfidenceLow, *out.Confidence)
}

func TestAssigner_SelfSeedsBelowWeakThreshold(t *testing.T) {
	ctx := context.Background()
	refs, emb := assignerFixture(t)

	a := NewAssigner(refs, emb, 0.88, 0.75, 5, false)
	out, err := a.Assign(ctx, "Совершенно новый материал", &Normalized{})
	require.NoError(t, err)

	assert.Nil(t, out.SKU)
	assert.True(t, out.SelfSeeded)
	require.NotNil(t, out.SeededID)

	// The seeded entry is now a future match candidate.
	out2, err := a.Assign(ctx, "Совершенно новый материал", &Normalized{})
	require.NoError(t, err)
	assert.False(t, out2.SelfSeeded)
	require.NotNil(t, out2.MatchedID)
	assert.Equal(t, *out.SeededID, *out2.MatchedID)
	assert.GreaterOrEqual(t, float64(out2.TopScore), 0.88)
}

func TestAssigner_StrictRefusesFallbackVector(t *testing.T) {
	ctx := context.Background()
	refs, emb := assignerFixture(t)
	emb.Fail = true

	a := NewAssigner(refs, emb, 0.88, 0.75, 5, true)
	_, err := a.Assign(ctx, "Цемент", &Normalized{})
	assert.ErrorIs(t, err, ErrFallbackEmbedding)

	// Lenient mode proceeds but labels the vector.
	lenient := NewAssigner(refs, emb, 0.88, 0.75, 5, false)
	out, err := lenient.Assign(ctx, "Цемент", &Normalized{})
	require.NoError(t, err)
	assert.True(t, out.Fallback)
}
