package reference

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
	"github.com/stroyka-ai/material-catalog/internal/embedding"
	"github.com/stroyka-ai/material-catalog/internal/vectorstore"
)

const testDim = 16

func newTestSet() *Set {
	store := vectorstore.NewMemoryStore(testDim)
	return NewSet(store, embedding.NewMockEmbedder(testDim))
}

func TestCollection_AddAndGet(t *testing.T) {
	ctx := context.Background()
	set := newTestSet()

	e, err := set.Units.Add(ctx, Entry{Name: "кг", Aliases: []string{"килограмм", "kg"}})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, e.ID)

	got, err := set.Units.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "кг", got.Name)
	assert.Equal(t, []string{"килограмм", "kg"}, got.Aliases)
}

func TestCollection_DuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	set := newTestSet()

	_, err := set.Colors.Add(ctx, Entry{Name: "красный"})
	require.NoError(t, err)

	_, err = set.Colors.Add(ctx, Entry{Name: "красный", Aliases: []string{"red"}})
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Same name in a different collection is fine.
	_, err = set.Units.Add(ctx, Entry{Name: "красный"})
	assert.NoError(t, err)
}

func TestCollection_EmptyNameRejected(t *testing.T) {
	_, err := newTestSet().Colors.Add(context.Background(), Entry{Name: "  "})
	assert.ErrorIs(t, err, dberr.ErrQuery)
}

func TestCollection_DeleteByID(t *testing.T) {
	ctx := context.Background()
	set := newTestSet()

	e, err := set.Units.Add(ctx, Entry{Name: "м3"})
	require.NoError(t, err)

	require.NoError(t, set.Units.Delete(ctx, e.ID))
	assert.ErrorIs(t, set.Units.Delete(ctx, e.ID), dberr.ErrNotFound)

	// Name is free again after deletion.
	_, err = set.Units.Add(ctx, Entry{Name: "м3"})
	assert.NoError(t, err)
}

func TestCollection_ResolveByName(t *testing.T) {
	ctx := context.Background()
	set := newTestSet()

	e, err := set.Units.Add(ctx, Entry{Name: "шт"})
	require.NoError(t, err)

	got, err := set.Units.ResolveByName(ctx, "шт")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	_, err = set.Units.ResolveByName(ctx, "не существует")
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestCollection_NearestFindsExactMatch(t *testing.T) {
	ctx := context.Background()
	set := newTestSet()

	kg, err := set.Units.Add(ctx, Entry{Name: "кг"})
	require.NoError(t, err)
	_, err = set.Units.Add(ctx, Entry{Name: "тонна"})
	require.NoError(t, err)

	// The mock embedder is deterministic per text, so the exact same
	// text embeds to the exact same vector: cosine 1.0.
	hits, err := set.Units.Nearest(ctx, "кг", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, kg.ID, hits[0].Entry.ID)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-4)
}

func TestCollection_NearestTieBreaksLexicographically(t *testing.T) {
	ctx := context.Background()
	store := vectorstore.NewMemoryStore(testDim)
	emb := embedding.NewMockEmbedder(testDim)

	// Pin two entries to the same vector to force a score tie.
	shared := embedding.FallbackVector("pinned", testDim)
	emb.Fixed = map[string][]float32{
		"беж":    shared,
		"авокадо": shared,
		"query":  shared,
	}

	set := NewSet(store, emb)
	_, err := set.Colors.Add(ctx, Entry{Name: "беж"})
	require.NoError(t, err)
	_, err = set.Colors.Add(ctx, Entry{Name: "авокадо"})
	require.NoError(t, err)

	hits, err := set.Colors.Nearest(ctx, "query", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "авокадо", hits[0].Entry.Name)
	assert.Equal(t, "беж", hits[1].Entry.Name)

	// At limit 1 the tie still resolves by name, not by whatever order
	// the store returns the tied points in.
	top, err := set.Colors.Nearest(ctx, "query", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "авокадо", top[0].Entry.Name)
}

func TestSet_Seed(t *testing.T) {
	ctx := context.Background()
	set := newTestSet()

	require.NoError(t, set.Seed(ctx, nil))

	colors, err := set.Colors.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(DefaultColors), colors)

	units, err := set.Units.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(DefaultUnits), units)

	materials, err := set.Materials.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, materials, "materials reference grows through ingestion only")

	// Seeding is idempotent.
	require.NoError(t, set.Seed(ctx, nil))
	colors2, err := set.Colors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, colors, colors2)
}

func TestSet_ByName(t *testing.T) {
	set := newTestSet()

	c, err := set.ByName("colors")
	require.NoError(t, err)
	assert.Equal(t, CollectionColors, c.Name())

	c, err = set.ByName(CollectionMaterials)
	require.NoError(t, err)
	assert.Equal(t, CollectionMaterials, c.Name())

	_, err = set.ByName("bogus")
	assert.ErrorIs(t, err, dberr.ErrNotFound)
}
