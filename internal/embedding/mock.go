package embedding

import (
	"context"
	"time"
)

// MockEmbedder generates deterministic embeddings for tests. Texts map
// to stable unit vectors, so nearest-neighbor relationships are
// reproducible across runs.
type MockEmbedder struct {
	dimension int
	// Fixed overrides specific texts (after normalization) with fixed
	// vectors, letting tests control similarity exactly.
	Fixed map[string][]float32
	// Fail makes every call return fallback-labelled vectors.
	Fail bool

	calls int
}

// NewMockEmbedder creates a mock embedder of the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = 1536
	}
	return &MockEmbedder{dimension: dimension, Fixed: map[string][]float32{}}
}

// Embed generates deterministic embeddings.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([]Embedding, error) {
	m.calls++
	out := make([]Embedding, len(texts))
	for i, text := range texts {
		norm := NormalizeText(text)
		if vec, ok := m.Fixed[norm]; ok {
			out[i] = Embedding{Vector: vec, Fallback: m.Fail}
			continue
		}
		out[i] = Embedding{Vector: FallbackVector(norm, m.dimension), Fallback: m.Fail}
	}
	return out, nil
}

// EmbedSingle generates a deterministic embedding for one text.
func (m *MockEmbedder) EmbedSingle(ctx context.Context, text string) (Embedding, error) {
	embs, err := m.Embed(ctx, []string{text})
	if err != nil {
		return Embedding{}, err
	}
	return embs[0], nil
}

// Model returns the mock model name.
func (m *MockEmbedder) Model() string {
	return "mock-embedding-model"
}

// Dimension returns the embedding dimension.
func (m *MockEmbedder) Dimension() int {
	return m.dimension
}

// HealthCheck always reports healthy.
func (m *MockEmbedder) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Status: "healthy", Latency: time.Microsecond, Model: m.Model()}
}

// Calls returns how many Embed invocations were made.
func (m *MockEmbedder) Calls() int {
	return m.calls
}

var _ Embedder = (*MockEmbedder)(nil)
