package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1536, cfg.Embedding.Dimension)
	assert.Equal(t, 50, cfg.Embedding.BatchSize)
	assert.Equal(t, 10, cfg.Batch.MaxConcurrentBatches)
	assert.Equal(t, 5, cfg.Batch.InnerConcurrency)
	assert.Equal(t, 100, cfg.Batch.ChunkSize)
	assert.Equal(t, 3, cfg.Batch.RetryBudget)
	assert.Equal(t, 30*24*time.Hour, cfg.Batch.CleanupTTL)
	assert.Equal(t, 0.3, cfg.Search.MinSimilarity)
	assert.Equal(t, 0.8, cfg.Search.FuzzyThreshold)
	assert.Equal(t, 0.80, cfg.Normalization.ColorThreshold)
	assert.Equal(t, 0.85, cfg.Normalization.UnitThreshold)
	assert.Equal(t, 0.88, cfg.SKU.ConfidentThreshold)
	assert.Equal(t, 0.75, cfg.SKU.WeakThreshold)
	assert.EqualValues(t, 50<<20, cfg.Ingest.MaxUploadBytes)
	assert.EqualValues(t, 10<<20, cfg.HTTP.MaxBodyBytes)
	assert.Equal(t, "X-Correlation-ID", cfg.Correlation.Header)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL.Search)
	assert.Equal(t, 3600*time.Second, cfg.Cache.TTL.Material)
	assert.Equal(t, 60*time.Second, cfg.Cache.TTL.Health)
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
embedding:
  dimension: 768
search:
  min_similarity: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("EMBEDDING_MODEL", "test-model")
	t.Setenv("CORRELATION_HEADER", "X-Req-ID")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, 0.5, cfg.Search.MinSimilarity)
	assert.Equal(t, "test-model", cfg.Embedding.Model)
	assert.Equal(t, "X-Req-ID", cfg.Correlation.Header)
}

func TestLoad_VectorDSNFallsBackToRelational(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/catalog")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/catalog", cfg.Vector.DSN)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"bad vector adapter", func(c *Config) { c.Vector.Adapter = "faiss" }},
		{"non-cosine distance", func(c *Config) { c.Vector.Distance = "euclidean" }},
		{"bad cache driver", func(c *Config) { c.Cache.Driver = "memcached" }},
		{"threshold above one", func(c *Config) { c.Search.FuzzyThreshold = 1.5 }},
		{"negative threshold", func(c *Config) { c.Normalization.ColorThreshold = -0.1 }},
		{"weak above confident", func(c *Config) { c.SKU.WeakThreshold = 0.9; c.SKU.ConfidentThreshold = 0.8 }},
		{"all-zero weights", func(c *Config) { c.Search.HybridWeights = HybridWeights{} }},
		{"body over hard limit", func(c *Config) { c.HTTP.MaxBodyBytes = 60 << 20 }},
		{"zero inner concurrency", func(c *Config) { c.Batch.InnerConcurrency = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
