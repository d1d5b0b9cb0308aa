// Package config provides unified configuration loading for the catalog
// engine. Supports YAML files, environment variables, and programmatic
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the catalog engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Vector        VectorConfig        `yaml:"vector"`
	Relational    RelationalConfig    `yaml:"relational"`
	Cache         CacheConfig         `yaml:"cache"`
	Batch         BatchConfig         `yaml:"batch"`
	Search        SearchConfig        `yaml:"search"`
	Normalization NormalizationConfig `yaml:"normalization"`
	SKU           SKUConfig           `yaml:"sku"`
	Ingest        IngestConfig        `yaml:"ingest"`
	HTTP          HTTPConfig          `yaml:"http"`
	Log           LogConfig           `yaml:"log"`
	Correlation   CorrelationConfig   `yaml:"correlation"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// EmbeddingConfig holds AI embedding client settings.
type EmbeddingConfig struct {
	APIKey             string        `yaml:"api_key"`
	BaseURL            string        `yaml:"base_url"`
	Model              string        `yaml:"model"`
	Dimension          int           `yaml:"dimension"`
	BatchSize          int           `yaml:"batch_size"`
	CacheSize          int           `yaml:"cache_size"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	Timeout            time.Duration `yaml:"timeout"`
	MaxConcurrentCalls int           `yaml:"max_concurrent_calls"`
}

// VectorConfig holds vector store settings.
type VectorConfig struct {
	// Adapter selects the backing store: pgvector or memory.
	Adapter             string        `yaml:"adapter"`
	DSN                 string        `yaml:"dsn"`
	PoolSize            int           `yaml:"pool_size"`
	Timeout             time.Duration `yaml:"timeout"`
	CollectionName      string        `yaml:"collection_name"`
	ColorsCollection    string        `yaml:"colors_collection"`
	UnitsCollection     string        `yaml:"units_collection"`
	MaterialsCollection string        `yaml:"materials_collection"`
	ProgressCollection  string        `yaml:"progress_collection"`
	// Distance is fixed to cosine; kept in config so a mismatching
	// value fails validation instead of silently changing semantics.
	Distance string `yaml:"distance"`
}

// RelationalConfig holds relational store settings.
type RelationalConfig struct {
	DSN              string        `yaml:"dsn"`
	PoolSize         int           `yaml:"pool_size"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	Timeout          time.Duration `yaml:"timeout"`
	TrigramThreshold float64       `yaml:"trigram_threshold"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver  string        `yaml:"driver"` // redis or memory
	Redis   RedisConfig   `yaml:"redis"`
	Timeout time.Duration `yaml:"timeout"`
	TTL     CacheTTLs     `yaml:"ttl"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// CacheTTLs holds per-kind cache TTLs.
type CacheTTLs struct {
	Search   time.Duration `yaml:"search"`
	Material time.Duration `yaml:"material"`
	Health   time.Duration `yaml:"health"`
}

// BatchConfig holds batch pipeline settings.
type BatchConfig struct {
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	InnerConcurrency     int           `yaml:"inner_concurrency"`
	ChunkSize            int           `yaml:"chunk_size"`
	RetryBudget          int           `yaml:"retry_budget"`
	CleanupTTL           time.Duration `yaml:"cleanup_ttl"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
}

// SearchConfig holds hybrid search settings.
type SearchConfig struct {
	MinSimilarity   float64       `yaml:"min_similarity"`
	FuzzyThreshold  float64       `yaml:"fuzzy_threshold"`
	HybridWeights   HybridWeights `yaml:"hybrid_weights"`
	SuggestionLimit int           `yaml:"suggestion_limit"`
}

// HybridWeights holds per-strategy merge weights.
type HybridWeights struct {
	Vector  float64 `yaml:"vector"`
	Lexical float64 `yaml:"lexical"`
	Fuzzy   float64 `yaml:"fuzzy"`
}

// NormalizationConfig holds canonicalization cutoffs.
type NormalizationConfig struct {
	ColorThreshold float64 `yaml:"color_threshold"`
	UnitThreshold  float64 `yaml:"unit_threshold"`
}

// SKUConfig holds SKU assignment cutoffs.
type SKUConfig struct {
	ConfidentThreshold float64 `yaml:"confident_threshold"`
	WeakThreshold      float64 `yaml:"weak_threshold"`
	TopK               int     `yaml:"top_k"`
	// Strict refuses to persist materials embedded with the
	// deterministic fallback vector.
	Strict bool `yaml:"strict"`
}

// IngestConfig holds ingestion front-door settings.
type IngestConfig struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// HTTPConfig holds inbound request settings.
type HTTPConfig struct {
	MaxBodyBytes     int64 `yaml:"max_body_bytes"`
	HardBodyLimit    int64 `yaml:"hard_body_limit"`
	LogRequestBody   bool  `yaml:"log_request_body"`
	IncludeHeaders   bool  `yaml:"include_headers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level           string        `yaml:"level"`
	Format          string        `yaml:"format"` // json or console
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	ExcludePaths    []string      `yaml:"exclude_paths"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
	File            string        `yaml:"file"`
}

// CorrelationConfig holds correlation-id propagation settings.
type CorrelationConfig struct {
	Header string `yaml:"header"`
}

// Load reads configuration from a YAML file and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
			RequestTimeout:   60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			BaseURL:            "https://openrouter.ai/api/v1",
			Model:              "openai/text-embedding-3-small",
			Dimension:          1536,
			BatchSize:          50,
			CacheSize:          128,
			CacheTTL:           time.Hour,
			Timeout:            30 * time.Second,
			MaxConcurrentCalls: 5,
		},
		Vector: VectorConfig{
			Adapter:             "pgvector",
			PoolSize:            10,
			Timeout:             2 * time.Second,
			CollectionName:      "materials",
			ColorsCollection:    "reference_colors",
			UnitsCollection:     "reference_units",
			MaterialsCollection: "reference_materials",
			ProgressCollection:  "processing_records",
			Distance:            "cosine",
		},
		Relational: RelationalConfig{
			PoolSize:         10,
			MaxIdleConns:     5,
			ConnMaxLifetime:  5 * time.Minute,
			Timeout:          2 * time.Second,
			TrigramThreshold: 0.3,
		},
		Cache: CacheConfig{
			Driver:  "memory",
			Timeout: 500 * time.Millisecond,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
				Prefix:   "mc:",
			},
			TTL: CacheTTLs{
				Search:   300 * time.Second,
				Material: 3600 * time.Second,
				Health:   60 * time.Second,
			},
		},
		Batch: BatchConfig{
			MaxConcurrentBatches: 10,
			InnerConcurrency:     5,
			ChunkSize:            100,
			RetryBudget:          3,
			CleanupTTL:           30 * 24 * time.Hour,
			CleanupInterval:      time.Hour,
		},
		Search: SearchConfig{
			MinSimilarity:  0.3,
			FuzzyThreshold: 0.8,
			HybridWeights: HybridWeights{
				Vector:  0.5,
				Lexical: 0.3,
				Fuzzy:   0.2,
			},
			SuggestionLimit: 10,
		},
		Normalization: NormalizationConfig{
			ColorThreshold: 0.80,
			UnitThreshold:  0.85,
		},
		SKU: SKUConfig{
			ConfidentThreshold: 0.88,
			WeakThreshold:      0.75,
			TopK:               5,
		},
		Ingest: IngestConfig{
			MaxUploadBytes: 50 << 20,
		},
		HTTP: HTTPConfig{
			MaxBodyBytes:  10 << 20,
			HardBodyLimit: 50 << 20,
		},
		Log: LogConfig{
			Level:         "info",
			Format:        "json",
			BatchSize:     100,
			FlushInterval: 500 * time.Millisecond,
			ExcludePaths:  []string{"/health"},
		},
		Correlation: CorrelationConfig{
			Header: "X-Correlation-ID",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}

	if c.Embedding.BatchSize < 1 {
		return fmt.Errorf("embedding batch size must be at least 1, got %d", c.Embedding.BatchSize)
	}

	if c.Vector.Adapter != "pgvector" && c.Vector.Adapter != "memory" {
		return fmt.Errorf("invalid vector adapter: %s", c.Vector.Adapter)
	}

	if c.Vector.Distance != "cosine" {
		return fmt.Errorf("vector distance is fixed to cosine, got %s", c.Vector.Distance)
	}

	if c.Cache.Driver != "redis" && c.Cache.Driver != "memory" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Batch.MaxConcurrentBatches < 1 {
		return fmt.Errorf("max_concurrent_batches must be at least 1")
	}

	if c.Batch.InnerConcurrency < 1 {
		return fmt.Errorf("inner_concurrency must be at least 1")
	}

	if err := validateThreshold("search.min_similarity", c.Search.MinSimilarity); err != nil {
		return err
	}
	if err := validateThreshold("search.fuzzy_threshold", c.Search.FuzzyThreshold); err != nil {
		return err
	}
	if err := validateThreshold("normalization.color_threshold", c.Normalization.ColorThreshold); err != nil {
		return err
	}
	if err := validateThreshold("normalization.unit_threshold", c.Normalization.UnitThreshold); err != nil {
		return err
	}
	if err := validateThreshold("sku.confident_threshold", c.SKU.ConfidentThreshold); err != nil {
		return err
	}
	if err := validateThreshold("sku.weak_threshold", c.SKU.WeakThreshold); err != nil {
		return err
	}

	if c.SKU.WeakThreshold > c.SKU.ConfidentThreshold {
		return fmt.Errorf("sku.weak_threshold must not exceed sku.confident_threshold")
	}

	w := c.Search.HybridWeights
	if w.Vector < 0 || w.Lexical < 0 || w.Fuzzy < 0 || w.Vector+w.Lexical+w.Fuzzy == 0 {
		return fmt.Errorf("hybrid weights must be non-negative and not all zero")
	}

	if c.HTTP.MaxBodyBytes < 1 {
		return fmt.Errorf("http.max_body_bytes must be positive")
	}
	if c.HTTP.MaxBodyBytes > c.HTTP.HardBodyLimit {
		return fmt.Errorf("http.max_body_bytes exceeds hard limit of %d", c.HTTP.HardBodyLimit)
	}

	if c.Ingest.MaxUploadBytes < 1 {
		return fmt.Errorf("ingest.max_upload_bytes must be positive")
	}

	return nil
}

func validateThreshold(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0,1], got %g", name, v)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Relational.DSN = v
	}
	if v := os.Getenv("VECTOR_DATABASE_URL"); v != "" {
		cfg.Vector.DSN = v
	} else if cfg.Vector.DSN == "" && cfg.Relational.DSN != "" {
		// A single Postgres can serve both stores.
		cfg.Vector.DSN = cfg.Relational.DSN
	}
	if v := os.Getenv("VECTOR_ADAPTER"); v != "" {
		cfg.Vector.Adapter = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_DIMENSION"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimension = d
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := os.Getenv("CORRELATION_HEADER"); v != "" {
		cfg.Correlation.Header = v
	}
}
