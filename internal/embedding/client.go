// Package embedding provides embedding generation for the catalog
// engine: a remote client with caching and a deterministic fallback,
// plus a mock for tests.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrDimensionMismatch indicates the provider returned a vector of the
// wrong length. This is a fatal configuration error, never retried.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedding is a single embedding result. Fallback marks vectors
// synthesized locally after a provider failure; strict consumers refuse
// to persist them.
type Embedding struct {
	Vector   []float32
	Fallback bool
}

// HealthStatus describes the outcome of a provider health check.
type HealthStatus struct {
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency"`
	Model   string        `json:"model"`
}

// Embedder defines the embedding generation contract.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]Embedding, error)
	EmbedSingle(ctx context.Context, text string) (Embedding, error)
	Model() string
	Dimension() int
	HealthCheck(ctx context.Context) HealthStatus
}

// Config holds embedding client configuration.
type Config struct {
	APIKey             string
	BaseURL            string // Default: https://openrouter.ai/api/v1
	Model              string
	Dimension          int // Default: 1536
	BatchSize          int // Default: 50
	CacheSize          int // Default: 128
	CacheTTL           time.Duration
	Timeout            time.Duration
	MaxConcurrentCalls int // Default: 5
}

// Client generates embeddings via an OpenAI-compatible HTTP API with a
// process-wide LRU cache keyed by normalized-text hash.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	batchSize  int

	cache *expirable.LRU[string, []float32]
	sem   chan struct{}
}

// NewClient creates a new embedding client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.CacheSize < 128 {
		cfg.CacheSize = 128
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 5
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimension:  cfg.Dimension,
		batchSize:  cfg.BatchSize,
		cache:      expirable.NewLRU[string, []float32](cfg.CacheSize, nil, cfg.CacheTTL),
		sem:        make(chan struct{}, cfg.MaxConcurrentCalls),
	}, nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NormalizeText canonicalizes input before hashing for the cache key:
// trim, collapse internal whitespace, casefold.
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func cacheKey(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Embed generates embeddings for texts. Cached vectors are served
// without a provider call; uncached texts are batched at the configured
// batch size, sequentially to respect upstream rate limits. On provider
// failure each missing vector is a deterministic fallback.
func (c *Client) Embed(ctx context.Context, texts []string) ([]Embedding, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([]Embedding, len(texts))
	var missing []int

	for i, text := range texts {
		norm := NormalizeText(text)
		if vec, ok := c.cache.Get(cacheKey(norm)); ok {
			results[i] = Embedding{Vector: vec}
			continue
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		batch := make([]string, len(chunk))
		for j, idx := range chunk {
			batch[j] = NormalizeText(texts[idx])
		}

		vectors, err := c.callAPI(ctx, batch)
		if err != nil {
			if errors.Is(err, ErrDimensionMismatch) || ctx.Err() != nil {
				return nil, err
			}
			// Provider failure: synthesize deterministic fallbacks.
			for j, idx := range chunk {
				results[idx] = Embedding{Vector: FallbackVector(batch[j], c.dimension), Fallback: true}
			}
			continue
		}

		for j, idx := range chunk {
			results[idx] = Embedding{Vector: vectors[j]}
			c.cache.Add(cacheKey(batch[j]), vectors[j])
		}
	}

	return results, nil
}

// EmbedSingle generates an embedding for a single text.
func (c *Client) EmbedSingle(ctx context.Context, text string) (Embedding, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return Embedding{}, err
	}
	if len(embeddings) == 0 {
		return Embedding{}, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

func (c *Client) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	reqBody := embeddingRequest{Input: texts, Model: c.model}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp embeddingResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
			return nil, fmt.Errorf("API error: %s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return nil, fmt.Errorf("API error: status %d", resp.StatusCode)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			continue
		}
		if len(data.Embedding) != c.dimension {
			return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, c.dimension, len(data.Embedding))
		}
		vectors[data.Index] = data.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("provider returned no embedding for input %d", i)
		}
	}

	return vectors, nil
}

// Model returns the model being used.
func (c *Client) Model() string {
	return c.model
}

// Dimension returns the embedding dimension.
func (c *Client) Dimension() int {
	return c.dimension
}

// HealthCheck embeds a probe string and reports provider latency.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.callAPI(ctx, []string{"health probe"})
	latency := time.Since(start)
	status := "healthy"
	if err != nil {
		status = "unhealthy"
	}
	return HealthStatus{Status: status, Latency: latency, Model: c.model}
}

// FallbackVector derives a deterministic unit vector from a stable hash
// of the text. It carries no semantics; it only keeps the pipeline
// flowing when the provider is down.
func FallbackVector(text string, dimension int) []float32 {
	vec := make([]float32, dimension)
	seed := sha256.Sum256([]byte(NormalizeText(text)))

	buf := seed[:]
	for i := 0; i < dimension; i++ {
		if len(buf) < 8 {
			next := sha256.Sum256(buf)
			buf = next[:]
		}
		bits := binary.BigEndian.Uint64(buf[:8])
		buf = buf[8:]
		// Map onto [-1, 1).
		vec[i] = float32(bits)/float32(math.MaxUint64)*2 - 1
	}

	return l2Normalize(vec)
}

func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= norm
	}
	return v
}

var _ Embedder = (*Client)(nil)
