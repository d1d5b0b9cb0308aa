package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
)

// MemoryStore is an in-memory vector store with cosine search. It backs
// development mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	dimension   int
	collections map[string]map[uuid.UUID]Point
}

// NewMemoryStore creates a memory store for vectors of the given
// dimension.
func NewMemoryStore(dimension int) *MemoryStore {
	if dimension <= 0 {
		dimension = 1536
	}
	return &MemoryStore{
		dimension:   dimension,
		collections: make(map[string]map[uuid.UUID]Point),
	}
}

// Search finds the nearest neighbors by cosine similarity. Ties are
// broken by ascending id for determinism.
func (s *MemoryStore) Search(ctx context.Context, collection string, query []float32, limit int, filter *Filter) ([]Hit, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query dimension %d, store dimension %d", dberr.ErrQuery, len(query), s.dimension)
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, p := range s.collections[collection] {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		hits = append(hits, Hit{
			ID:      p.ID,
			Score:   cosineSimilarity(query, p.Vector),
			Payload: clonePayload(p.Payload),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID.String() < hits[j].ID.String()
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Get retrieves a point by id.
func (s *MemoryStore) Get(ctx context.Context, collection string, id uuid.UUID) (*Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.collections[collection][id]
	if !ok {
		return nil, dberr.ErrNotFound
	}
	cp := Point{ID: p.ID, Vector: append([]float32(nil), p.Vector...), Payload: clonePayload(p.Payload)}
	return &cp, nil
}

// Upsert inserts or replaces points.
func (s *MemoryStore) Upsert(ctx context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[uuid.UUID]Point)
		s.collections[collection] = coll
	}

	for _, p := range points {
		if len(p.Vector) != s.dimension {
			return fmt.Errorf("%w: point %s dimension %d, store dimension %d", dberr.ErrQuery, p.ID, len(p.Vector), s.dimension)
		}
		coll[p.ID] = Point{ID: p.ID, Vector: append([]float32(nil), p.Vector...), Payload: clonePayload(p.Payload)}
	}
	return nil
}

// Delete removes a point by id.
func (s *MemoryStore) Delete(ctx context.Context, collection string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		return nil
	}
	delete(coll, id)
	return nil
}

// BatchUpsert writes points chunk-wise with per-chunk retry.
func (s *MemoryStore) BatchUpsert(ctx context.Context, collection string, points []Point, batchSize int) (BatchResult, error) {
	return chunkedUpsert(ctx, points, batchSize, func(ctx context.Context, chunk []Point) error {
		return s.Upsert(ctx, collection, chunk)
	})
}

// List returns points matching the filter.
func (s *MemoryStore) List(ctx context.Context, collection string, filter *Filter, limit int) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Point
	for _, p := range s.collections[collection] {
		if !matchesFilter(p.Payload, filter) {
			continue
		}
		out = append(out, Point{ID: p.ID, Vector: append([]float32(nil), p.Vector...), Payload: clonePayload(p.Payload)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// Count returns the number of points in a collection.
func (s *MemoryStore) Count(ctx context.Context, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.collections[collection])), nil
}

// HealthCheck always reports healthy with per-collection counts.
func (s *MemoryStore) HealthCheck(ctx context.Context) HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	extra := make(map[string]string, len(s.collections))
	for name, coll := range s.collections {
		extra[name] = fmt.Sprintf("%d", len(coll))
	}
	return HealthStatus{Status: "healthy", Latency: 0, Extra: extra}
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func matchesFilter(payload map[string]interface{}, filter *Filter) bool {
	if filter == nil {
		return true
	}

	for key, want := range filter.Equals {
		if fmt.Sprint(payload[key]) != fmt.Sprint(want) {
			return false
		}
	}

	for key, set := range filter.In {
		got := fmt.Sprint(payload[key])
		found := false
		for _, want := range set {
			if got == fmt.Sprint(want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for key, r := range filter.Ranges {
		num, ok := toFloat(payload[key])
		if !ok {
			return false
		}
		if r.GTE != nil && num < *r.GTE {
			return false
		}
		if r.LTE != nil && num > *r.LTE {
			return false
		}
	}

	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case time.Time:
		return float64(x.Unix()), true
	default:
		return 0, false
	}
}

func clonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
