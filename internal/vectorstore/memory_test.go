package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
)

func mkPoint(vec []float32, payload map[string]interface{}) Point {
	return Point{ID: uuid.New(), Vector: vec, Payload: payload}
}

func TestMemoryStore_SearchOrdersByCosine(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	exact := mkPoint([]float32{1, 0, 0}, map[string]interface{}{"name": "exact"})
	close := mkPoint([]float32{0.9, 0.1, 0}, map[string]interface{}{"name": "close"})
	far := mkPoint([]float32{0, 0, 1}, map[string]interface{}{"name": "far"})
	require.NoError(t, s.Upsert(ctx, "materials", []Point{exact, close, far}))

	hits, err := s.Search(ctx, "materials", []float32{1, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, exact.ID, hits[0].ID)
	assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-5)
	assert.Equal(t, close.ID, hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryStore_SearchFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	red := mkPoint([]float32{1, 0}, map[string]interface{}{"color": "red", "price": 10.0})
	blue := mkPoint([]float32{1, 0}, map[string]interface{}{"color": "blue", "price": 20.0})
	require.NoError(t, s.Upsert(ctx, "c", []Point{red, blue}))

	t.Run("equality", func(t *testing.T) {
		hits, err := s.Search(ctx, "c", []float32{1, 0}, 10, &Filter{
			Equals: map[string]interface{}{"color": "red"},
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, red.ID, hits[0].ID)
	})

	t.Run("in-set", func(t *testing.T) {
		hits, err := s.Search(ctx, "c", []float32{1, 0}, 10, &Filter{
			In: map[string][]interface{}{"color": {"blue", "green"}},
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, blue.ID, hits[0].ID)
	})

	t.Run("range", func(t *testing.T) {
		min := 15.0
		hits, err := s.Search(ctx, "c", []float32{1, 0}, 10, &Filter{
			Ranges: map[string]Range{"price": {GTE: &min}},
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, blue.ID, hits[0].ID)
	})
}

func TestMemoryStore_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(4)

	_, err := s.Search(ctx, "c", []float32{1, 0}, 10, nil)
	assert.ErrorIs(t, err, dberr.ErrQuery)

	err = s.Upsert(ctx, "c", []Point{mkPoint([]float32{1}, nil)})
	assert.ErrorIs(t, err, dberr.ErrQuery)
}

func TestMemoryStore_GetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	p := mkPoint([]float32{1, 0}, map[string]interface{}{"name": "x"})
	require.NoError(t, s.Upsert(ctx, "c", []Point{p}))

	got, err := s.Get(ctx, "c", p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "x", got.Payload["name"])

	require.NoError(t, s.Delete(ctx, "c", p.ID))
	_, err = s.Get(ctx, "c", p.ID)
	assert.ErrorIs(t, err, dberr.ErrNotFound)

	// Deleting again is a no-op at the adapter level.
	assert.NoError(t, s.Delete(ctx, "c", p.ID))
}

func TestMemoryStore_BatchUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	points := make([]Point, 25)
	for i := range points {
		points[i] = mkPoint([]float32{1, 0}, nil)
	}

	res, err := s.BatchUpsert(ctx, "c", points, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Upserted)
	assert.Empty(t, res.Failed)

	n, err := s.Count(ctx, "c")
	require.NoError(t, err)
	assert.EqualValues(t, 25, n)
}

func TestChunkedUpsert_ReportsFailedIndices(t *testing.T) {
	ctx := context.Background()
	points := make([]Point, 6)
	for i := range points {
		points[i] = mkPoint([]float32{1}, nil)
	}

	// Second chunk fails permanently.
	callNum := 0
	res, err := chunkedUpsert(ctx, points, 2, func(ctx context.Context, chunk []Point) error {
		callNum++
		if callNum == 2 {
			return dberr.ErrQuery
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Upserted)
	assert.Equal(t, []int{2, 3}, res.Failed)
}

func TestChunkedUpsert_RetriesTransient(t *testing.T) {
	ctx := context.Background()
	points := []Point{mkPoint([]float32{1}, nil)}

	attempts := 0
	res, err := chunkedUpsert(ctx, points, 10, func(ctx context.Context, chunk []Point) error {
		attempts++
		if attempts == 1 {
			return dberr.ErrTimeout
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)
	assert.Equal(t, 2, attempts)
}

func TestChunkedUpsert_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	points := []Point{mkPoint([]float32{1}, nil)}
	_, err := chunkedUpsert(ctx, points, 10, func(ctx context.Context, chunk []Point) error {
		return dberr.ErrTimeout
	})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCosineToUnit(t *testing.T) {
	assert.EqualValues(t, 1, CosineToUnit(1))
	assert.EqualValues(t, 0, CosineToUnit(-1))
	assert.EqualValues(t, 0.5, CosineToUnit(0))
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	a := mkPoint([]float32{1, 0}, map[string]interface{}{"status": "pending"})
	b := mkPoint([]float32{1, 0}, map[string]interface{}{"status": "succeeded"})
	require.NoError(t, s.Upsert(ctx, "c", []Point{a, b}))

	got, err := s.List(ctx, "c", &Filter{Equals: map[string]interface{}{"status": "pending"}}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}
