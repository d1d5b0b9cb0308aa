// Package engine wires the catalog components into one embeddable
// facade: adapters, the fallback fabric, reference collections, the
// enrichment pipeline, hybrid search and the ingestion front door.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/stroyka-ai/material-catalog/internal/cache"
	"github.com/stroyka-ai/material-catalog/internal/config"
	"github.com/stroyka-ai/material-catalog/internal/dberr"
	"github.com/stroyka-ai/material-catalog/internal/embedding"
	"github.com/stroyka-ai/material-catalog/internal/enrich"
	"github.com/stroyka-ai/material-catalog/internal/fabric"
	"github.com/stroyka-ai/material-catalog/internal/ingestion"
	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/pipeline"
	"github.com/stroyka-ai/material-catalog/internal/reference"
	"github.com/stroyka-ai/material-catalog/internal/search"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/internal/vectorstore"
)

// invalidationChannel carries cross-instance search-cache invalidation
// events.
const invalidationChannel = "catalog:invalidate"

// Components holds pre-built adapters for embedding the engine in
// tests or a host service. Any nil field is built from configuration.
type Components struct {
	Logger    *observability.Logger
	Cache     cache.Client
	Vectors   vectorstore.Store
	Embedder  embedding.Embedder
	Completer embedding.Completer
	DB        storage.DB
}

// Engine is the assembled material catalog.
type Engine struct {
	cfg    *config.Config
	logger *observability.Logger

	cacheClient cache.Client
	vectors     vectorstore.Store
	embedder    embedding.Embedder
	sqlDB       *sql.DB

	router   *fabric.Router
	refs     *reference.Set
	enricher *pipeline.Enricher

	materials   *storage.MaterialRepository
	rawProducts *storage.RawProductRepository
	categories  *storage.CategoryRepository
	units       *storage.UnitRepository

	orchestrator *pipeline.Orchestrator
	searchEngine *search.Engine
	ingestor     *ingestion.Ingestor

	logSink *observability.BatchSink
	logFile *os.File

	unsubscribe func()
}

// New builds the engine from configuration: Postgres for the
// relational and vector stores, Redis for the cache, and the remote
// embedding provider. Missing credentials degrade to the in-memory
// adapters so development mode works out of the box.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	var logOutput io.Writer = os.Stdout
	var logFile *os.File
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		logOutput = f
	}
	var logSink *observability.BatchSink
	if cfg.Log.BatchSize > 0 {
		logSink = observability.NewBatchSink(observability.BatchSinkConfig{
			BatchSize:     cfg.Log.BatchSize,
			FlushInterval: cfg.Log.FlushInterval,
		}, logOutput)
		logOutput = logSink
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      logOutput,
		ServiceName: "material-catalog",
	})

	var c Components
	c.Logger = logger

	if cfg.Cache.Driver == "redis" {
		redisClient, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		c.Cache = redisClient
	}

	if cfg.Vector.Adapter == "pgvector" && cfg.Vector.DSN != "" {
		vectors, err := vectorstore.NewPgVectorStore(ctx, vectorstore.PgVectorConfig{
			DSN:       cfg.Vector.DSN,
			Dimension: cfg.Embedding.Dimension,
			PoolSize:  cfg.Vector.PoolSize,
			Timeout:   cfg.Vector.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("vector store: %w", err)
		}
		c.Vectors = vectors
	}

	if cfg.Embedding.APIKey != "" {
		embedder, err := embedding.NewClient(embedding.Config{
			APIKey:             cfg.Embedding.APIKey,
			BaseURL:            cfg.Embedding.BaseURL,
			Model:              cfg.Embedding.Model,
			Dimension:          cfg.Embedding.Dimension,
			BatchSize:          cfg.Embedding.BatchSize,
			CacheSize:          cfg.Embedding.CacheSize,
			CacheTTL:           cfg.Embedding.CacheTTL,
			Timeout:            cfg.Embedding.Timeout,
			MaxConcurrentCalls: cfg.Embedding.MaxConcurrentCalls,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding client: %w", err)
		}
		c.Embedder = embedder

		completer, err := embedding.NewCompletionClient(embedding.CompletionConfig{
			APIKey:  cfg.Embedding.APIKey,
			BaseURL: cfg.Embedding.BaseURL,
			Model:   cfg.Embedding.Model,
			Timeout: cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("completion client: %w", err)
		}
		c.Completer = completer
	} else {
		logger.Warn().Msg("no embedding API key, using deterministic mock embedder")
	}

	var sqlDB *sql.DB
	if cfg.Relational.DSN != "" {
		db, err := sql.Open("postgres", cfg.Relational.DSN)
		if err != nil {
			return nil, fmt.Errorf("relational store: %w", err)
		}
		db.SetMaxOpenConns(cfg.Relational.PoolSize)
		db.SetMaxIdleConns(cfg.Relational.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Relational.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("relational ping: %w", err)
		}
		if err := storage.Migrate(ctx, db, cfg.Relational.TrigramThreshold); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		c.DB = db
		sqlDB = db
	} else {
		return nil, fmt.Errorf("relational DSN is required (DATABASE_URL)")
	}

	engine, err := NewWithComponents(cfg, c)
	if err != nil {
		if sqlDB != nil {
			sqlDB.Close()
		}
		return nil, err
	}
	engine.sqlDB = sqlDB
	engine.logSink = logSink
	engine.logFile = logFile
	return engine, nil
}

// NewWithComponents assembles the engine around pre-built adapters.
// Nil components fall back to the in-memory implementations.
func NewWithComponents(cfg *config.Config, c Components) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := c.Logger
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	if c.Cache == nil {
		c.Cache = cache.NewMemoryClient(0)
	}
	if c.Embedder == nil {
		c.Embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimension)
	}
	if c.Completer == nil {
		c.Completer = &embedding.MockCompleter{}
	}
	if c.Vectors == nil {
		c.Vectors = vectorstore.NewMemoryStore(c.Embedder.Dimension())
	}
	if c.DB == nil {
		return nil, fmt.Errorf("engine: relational DB component is required")
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		cacheClient: c.Cache,
		vectors:     c.Vectors,
		embedder:    c.Embedder,
		materials:   storage.NewMaterialRepository(c.DB),
		rawProducts: storage.NewRawProductRepository(c.DB),
		categories:  storage.NewCategoryRepository(c.DB),
		units:       storage.NewUnitRepository(c.DB),
	}

	e.router = fabric.NewRouter(cfg.Server.RequestTimeout, logger)
	e.router.Bind(fabric.KindMaterialRead, fabric.NewBinding(fabric.TargetPostgres, cfg.Relational.Timeout))
	e.router.Bind(fabric.KindMaterialWrite, fabric.NewBinding(fabric.TargetPostgres, cfg.Relational.Timeout))
	e.router.Bind(fabric.KindReferenceRead, fabric.NewBinding(fabric.TargetVector, cfg.Vector.Timeout))
	e.router.Bind(fabric.KindReferenceWrite, fabric.NewBinding(fabric.TargetVector, cfg.Vector.Timeout))
	e.router.Bind(fabric.KindVectorSearch, fabric.NewBinding(fabric.TargetVector, cfg.Vector.Timeout))
	e.router.Bind(fabric.KindLexicalSearch, fabric.NewBinding(fabric.TargetPostgres, cfg.Relational.Timeout))
	e.router.Bind(fabric.KindProcessingProgress,
		fabric.NewBinding(fabric.TargetPostgres, cfg.Relational.Timeout),
		fabric.NewBinding(fabric.TargetVector, cfg.Vector.Timeout),
	)

	e.refs = reference.NewSet(c.Vectors, c.Embedder)

	parser := enrich.NewParser(c.Completer, logger)
	normalizer := enrich.NewNormalizer(e.refs, cfg.Normalization.ColorThreshold, cfg.Normalization.UnitThreshold)
	assigner := enrich.NewAssigner(e.refs, c.Embedder,
		cfg.SKU.ConfidentThreshold, cfg.SKU.WeakThreshold, cfg.SKU.TopK, cfg.SKU.Strict)
	e.enricher = pipeline.NewEnricher(parser, normalizer, assigner, e.persistMaterial)

	progress := fabric.NewVectorProgressStore(c.Vectors, c.Embedder.Dimension())
	records := fabric.NewRecordStore(e.router, storage.NewProcessingRecordRepository(c.DB), progress)
	requests := storage.NewProcessingRequestRepository(c.DB)
	e.orchestrator = pipeline.NewOrchestrator(cfg.Batch, requests, records, e.enricher, logger)

	e.searchEngine = search.NewEngine(c.Embedder, c.Vectors, e.materials, c.Cache,
		e.router, cfg.Search, cfg.Cache.TTL.Search, logger)

	e.ingestor = ingestion.NewIngestor(e.rawProducts, e.orchestrator, logger)
	return e, nil
}

// Start launches the batch workers and the invalidation subscriber.
func (e *Engine) Start(ctx context.Context) error {
	e.orchestrator.Start(ctx)

	events, unsubscribe, err := e.cacheClient.Subscribe(ctx, invalidationChannel)
	if err != nil {
		return fmt.Errorf("subscribe invalidation channel: %w", err)
	}
	e.unsubscribe = unsubscribe
	go func() {
		for range events {
			if err := e.searchEngine.InvalidateCache(context.Background()); err != nil {
				e.logger.Warn().Err(err).Msg("search cache invalidation failed")
			}
		}
	}()
	return nil
}

// Close stops workers and releases adapter resources.
func (e *Engine) Close() error {
	e.orchestrator.Stop()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	if err := e.cacheClient.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("cache close failed")
	}
	if err := e.vectors.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("vector store close failed")
	}
	var closeErr error
	if e.sqlDB != nil {
		closeErr = e.sqlDB.Close()
	}
	// The log sink goes down last so shutdown lines are not lost.
	if e.logSink != nil {
		_ = e.logSink.Close()
	}
	if e.logFile != nil {
		_ = e.logFile.Close()
	}
	return closeErr
}

// SeedReferences loads the built-in color and unit reference data.
func (e *Engine) SeedReferences(ctx context.Context) error {
	return e.refs.Seed(ctx, e.logger)
}

// Logger exposes the engine logger so embedders share one sink.
func (e *Engine) Logger() *observability.Logger { return e.logger }

// References exposes the reference collection set.
func (e *Engine) References() *reference.Set { return e.refs }

// Categories exposes the category reference repository.
func (e *Engine) Categories() *storage.CategoryRepository { return e.categories }

// Units exposes the unit reference repository.
func (e *Engine) Units() *storage.UnitRepository { return e.units }

// Search runs one hybrid search query.
func (e *Engine) Search(ctx context.Context, q search.Query) (*search.Response, error) {
	return e.searchEngine.Search(ctx, q)
}

// Ingest consumes a price-list row source and schedules enrichment.
func (e *Engine) Ingest(ctx context.Context, src ingestion.RowSource, supplierID, pricelistID string) (*ingestion.Result, error) {
	return e.ingestor.Ingest(ctx, src, supplierID, pricelistID)
}

// EnrichOne runs the enrichment stages for a single item synchronously
// and persists the material. Used by hosts that bypass batching.
func (e *Engine) EnrichOne(ctx context.Context, item pipeline.Item) (*storage.EnrichedOutput, error) {
	out, stage, err := e.enricher.Process(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("enrich stage %s: %w", stage, err)
	}
	return out, nil
}

// SubmitBatch schedules a batch of items for asynchronous enrichment.
func (e *Engine) SubmitBatch(ctx context.Context, items []pipeline.Item) (uuid.UUID, error) {
	return e.orchestrator.Submit(ctx, items)
}

// BatchStatus returns one request plus its record-level progress.
func (e *Engine) BatchStatus(ctx context.Context, requestID uuid.UUID) (*storage.ProcessingRequest, *storage.RequestProgress, error) {
	return e.orchestrator.Status(ctx, requestID)
}

// BatchResults returns the request's records filtered and paged.
func (e *Engine) BatchResults(ctx context.Context, requestID uuid.UUID, status storage.RecordStatus, skip, limit int) ([]*storage.ProcessingRecord, int, error) {
	return e.orchestrator.Results(ctx, requestID, status, skip, limit)
}

// CancelBatch requests cooperative cancellation of a running request.
func (e *Engine) CancelBatch(requestID uuid.UUID) {
	e.orchestrator.Cancel(requestID)
}

// RetryBatch re-runs a terminal request's failed records.
func (e *Engine) RetryBatch(ctx context.Context, requestID uuid.UUID) (int, error) {
	return e.orchestrator.Retry(ctx, requestID)
}

// BatchStatistics aggregates processing history.
func (e *Engine) BatchStatistics(ctx context.Context) (*storage.ProcessingStatistics, error) {
	return e.orchestrator.Statistics(ctx)
}

// CleanupBatches reaps terminal requests older than the configured TTL
// and returns how many were removed.
func (e *Engine) CleanupBatches(ctx context.Context) (int64, error) {
	return e.orchestrator.Cleanup(ctx)
}

// GetMaterial fetches one material by id.
func (e *Engine) GetMaterial(ctx context.Context, id uuid.UUID) (*storage.Material, error) {
	var m *storage.Material
	err := e.router.Read(ctx, fabric.KindMaterialRead, func(ctx context.Context, target string) error {
		var readErr error
		m, readErr = e.materials.GetByID(ctx, id)
		return readErr
	})
	return m, err
}

// ListMaterials pages materials, optionally filtered by category.
func (e *Engine) ListMaterials(ctx context.Context, skip, limit int, useCategory string) ([]*storage.Material, int64, error) {
	var materials []*storage.Material
	var total int64
	err := e.router.Read(ctx, fabric.KindMaterialRead, func(ctx context.Context, target string) error {
		var readErr error
		materials, readErr = e.materials.List(ctx, skip, limit, useCategory)
		if readErr != nil {
			return readErr
		}
		total, readErr = e.materials.Count(ctx, useCategory)
		return readErr
	})
	return materials, total, err
}

// CreateMaterial writes a material, indexes it for search and fans the
// cache invalidation out to the other instances.
func (e *Engine) CreateMaterial(ctx context.Context, m *storage.Material) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	vector, err := e.embedVector(ctx, m)
	if err != nil {
		return err
	}
	return e.persistMaterial(ctx, m, vector)
}

// UpdateMaterial rewrites a material and refreshes its search index.
func (e *Engine) UpdateMaterial(ctx context.Context, m *storage.Material) error {
	err := e.router.Write(ctx, fabric.KindMaterialWrite, m.ID,
		func(ctx context.Context, target string) error { return e.materials.Update(ctx, m) },
		nil)
	if err != nil {
		return err
	}
	vector, err := e.embedVector(ctx, m)
	if err != nil {
		return err
	}
	if err := e.searchEngine.IndexMaterial(ctx, m, vector); err != nil {
		return err
	}
	e.publishInvalidation(ctx, m.ID)
	return nil
}

// DeleteMaterial removes a material from both stores.
func (e *Engine) DeleteMaterial(ctx context.Context, id uuid.UUID) error {
	err := e.router.Write(ctx, fabric.KindMaterialWrite, id,
		func(ctx context.Context, target string) error { return e.materials.Delete(ctx, id) },
		nil)
	if err != nil {
		return err
	}
	if err := e.searchEngine.RemoveMaterial(ctx, id); err != nil {
		return err
	}
	e.publishInvalidation(ctx, id)
	return nil
}

// BulkCreateMaterials inserts a batch, skipping in-batch and stored
// duplicates, and indexes what was created.
func (e *Engine) BulkCreateMaterials(ctx context.Context, materials []*storage.Material) (*storage.BulkCreateResult, error) {
	result, err := e.materials.BulkCreate(ctx, materials)
	if err != nil {
		return nil, err
	}
	for _, m := range result.Created {
		vector, embErr := e.embedVector(ctx, m)
		if embErr != nil {
			e.logger.WithContext(ctx).Warn().Err(embErr).
				Str("material_id", m.ID.String()).
				Msg("bulk create: search indexing skipped")
			continue
		}
		if idxErr := e.searchEngine.IndexMaterial(ctx, m, vector); idxErr != nil {
			e.logger.WithContext(ctx).Warn().Err(idxErr).
				Str("material_id", m.ID.String()).
				Msg("bulk create: search indexing failed")
		}
	}
	if len(result.Created) > 0 {
		e.publishInvalidation(ctx, result.Created[0].ID)
	}
	return result, nil
}

// embedVector computes the material's search vector from the same
// combined text the SKU stage uses, so API writes and pipeline writes
// land in one embedding space.
func (e *Engine) embedVector(ctx context.Context, m *storage.Material) ([]float32, error) {
	if len(m.Embedding) == e.embedder.Dimension() && len(m.Embedding) > 0 {
		return m.Embedding, nil
	}
	unit := m.Unit
	text := enrich.CombinedText(m.Name, &unit, m.Color)
	emb, err := e.embedder.EmbedSingle(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed material: %w", err)
	}
	return emb.Vector, nil
}

// persistMaterial is the pipeline persist stage. The (name, unit) pair
// is the canonical identity: persisting an item that already exists
// updates the stored row in place, so re-running the same price list
// cannot duplicate materials. New rows go relational first (with a
// compensating delete when the primary times out mid-flight), then the
// vector index, then cross-instance invalidation.
func (e *Engine) persistMaterial(ctx context.Context, m *storage.Material, vector []float32) error {
	existing, err := e.materials.GetByNameAndUnit(ctx, m.Name, m.Unit)
	switch {
	case err == nil:
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
		if err := e.router.Write(ctx, fabric.KindMaterialWrite, m.ID,
			func(ctx context.Context, target string) error { return e.materials.Update(ctx, m) },
			nil); err != nil {
			return err
		}
		// The index upsert is keyed by the same ID and replaces the old
		// point. The row predates this call, so an index failure leaves
		// it alone.
		if err := e.searchEngine.IndexMaterial(ctx, m, vector); err != nil {
			return fmt.Errorf("index material: %w", err)
		}
		e.publishInvalidation(ctx, m.ID)
		return nil
	case !errors.Is(err, dberr.ErrNotFound):
		return err
	}

	err = e.router.Write(ctx, fabric.KindMaterialWrite, m.ID,
		func(ctx context.Context, target string) error { return e.materials.Create(ctx, m) },
		func(ctx context.Context, target string) error { return e.materials.Delete(ctx, m.ID) })
	if err != nil {
		return err
	}

	if err := e.searchEngine.IndexMaterial(ctx, m, vector); err != nil {
		// Undo the row so the stores cannot disagree about existence.
		if delErr := e.materials.Delete(ctx, m.ID); delErr != nil {
			e.logger.WithContext(ctx).Error().Err(delErr).
				Str("material_id", m.ID.String()).
				Msg("rollback after index failure failed")
		}
		return fmt.Errorf("index material: %w", err)
	}

	e.publishInvalidation(ctx, m.ID)
	return nil
}

func (e *Engine) publishInvalidation(ctx context.Context, id uuid.UUID) {
	event := map[string]string{"material_id": id.String(), "at": time.Now().UTC().Format(time.RFC3339)}
	if err := e.cacheClient.Publish(ctx, invalidationChannel, event); err != nil {
		e.logger.WithContext(ctx).Debug().Err(err).Msg("invalidation publish failed")
	}
}
