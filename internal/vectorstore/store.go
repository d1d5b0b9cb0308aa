// Package vectorstore provides the vector store adapter: a Postgres
// pgvector implementation and an in-memory one for development and
// tests.
package vectorstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Point is a stored vector with its payload.
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Payload map[string]interface{}
}

// Hit is a search result. Score is cosine similarity in [-1,1]; callers
// that need [0,1] map it with CosineToUnit.
type Hit struct {
	ID      uuid.UUID
	Score   float32
	Payload map[string]interface{}
}

// Range is a numeric range predicate over a payload key.
type Range struct {
	GTE *float64
	LTE *float64
}

// Filter is a conjunction of equality, in-set, and range predicates
// over payload keys. A nil filter matches everything.
type Filter struct {
	Equals map[string]interface{}
	In     map[string][]interface{}
	Ranges map[string]Range
}

// BatchResult reports the outcome of a chunked batch upsert. Failed
// holds the indices (into the original slice) of points that could not
// be written after per-chunk retries.
type BatchResult struct {
	Upserted int
	Failed   []int
}

// HealthStatus describes the outcome of a vector store health check.
type HealthStatus struct {
	Status  string            `json:"status"`
	Latency time.Duration     `json:"latency"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// Store defines the vector store contract.
type Store interface {
	Search(ctx context.Context, collection string, query []float32, limit int, filter *Filter) ([]Hit, error)
	Get(ctx context.Context, collection string, id uuid.UUID) (*Point, error)
	Upsert(ctx context.Context, collection string, points []Point) error
	Delete(ctx context.Context, collection string, id uuid.UUID) error
	BatchUpsert(ctx context.Context, collection string, points []Point, batchSize int) (BatchResult, error)
	// List returns points matching the filter, up to limit. Used for
	// the vector-backed processing-progress scans.
	List(ctx context.Context, collection string, filter *Filter, limit int) ([]Point, error)
	Count(ctx context.Context, collection string) (int64, error)
	HealthCheck(ctx context.Context) HealthStatus
	Close() error
}

// CosineToUnit maps a cosine similarity from [-1,1] onto [0,1].
func CosineToUnit(s float32) float32 {
	return (s + 1) / 2
}
