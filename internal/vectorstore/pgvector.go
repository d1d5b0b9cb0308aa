package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
)

// PgVectorStore implements Store backed by Postgres + pgvector. All
// collections share one table keyed by (collection, id) with a jsonb
// payload and an hnsw cosine index.
type PgVectorStore struct {
	pool      *pgxpool.Pool
	dimension int
	timeout   time.Duration
}

// PgVectorConfig holds pgvector store configuration.
type PgVectorConfig struct {
	DSN       string
	Dimension int
	PoolSize  int
	Timeout   time.Duration
}

const pgvectorDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vector_points (
  collection  text NOT NULL,
  id          uuid NOT NULL,
  embedding   vector(%d) NOT NULL,
  payload     jsonb NOT NULL DEFAULT '{}'::jsonb,
  updated_at  timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS vector_points_hnsw_cos
  ON vector_points USING hnsw (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS vector_points_collection_idx
  ON vector_points (collection);
`

// NewPgVectorStore connects to Postgres and ensures the schema exists.
func NewPgVectorStore(ctx context.Context, cfg PgVectorConfig) (*PgVectorStore, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse vector DSN: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect vector store: %w", dberr.Classify(err))
	}

	s := &PgVectorStore{pool: pool, dimension: cfg.Dimension, timeout: cfg.Timeout}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgVectorStore) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(pgvectorDDL, s.dimension)); err != nil {
		return fmt.Errorf("ensure vector schema: %w", dberr.Classify(err))
	}
	return nil
}

func (s *PgVectorStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Search finds the nearest neighbors by cosine similarity.
func (s *PgVectorStore) Search(ctx context.Context, collection string, query []float32, limit int, filter *Filter) ([]Hit, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query dimension %d, store dimension %d", dberr.ErrQuery, len(query), s.dimension)
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	where, args := buildPayloadFilter(filter, 3)
	sql := fmt.Sprintf(`
		SELECT id, payload, 1 - (embedding <=> $1) AS score
		FROM vector_points
		WHERE collection = $2%s
		ORDER BY embedding <=> $1, id
		LIMIT %d`, where, limit)

	allArgs := append([]interface{}{pgvector.NewVector(query), collection}, args...)
	rows, err := s.pool.Query(ctx, sql, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", dberr.Classify(err))
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			id      uuid.UUID
			payload []byte
			score   float64
		)
		if err := rows.Scan(&id, &payload, &score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", dberr.Classify(err))
		}
		hits = append(hits, Hit{ID: id, Score: float32(score), Payload: decodePayload(payload)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search rows: %w", dberr.Classify(err))
	}
	return hits, nil
}

// Get retrieves a point by id.
func (s *PgVectorStore) Get(ctx context.Context, collection string, id uuid.UUID) (*Point, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		vec     pgvector.Vector
		payload []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT embedding, payload FROM vector_points WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&vec, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dberr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vector get: %w", dberr.Classify(err))
	}

	return &Point{ID: id, Vector: vec.Slice(), Payload: decodePayload(payload)}, nil
}

// Upsert inserts or replaces points.
func (s *PgVectorStore) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, p := range points {
		if len(p.Vector) != s.dimension {
			return fmt.Errorf("%w: point %s dimension %d, store dimension %d", dberr.ErrQuery, p.ID, len(p.Vector), s.dimension)
		}
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("%w: marshal payload: %v", dberr.ErrQuery, err)
		}
		batch.Queue(`
			INSERT INTO vector_points (collection, id, embedding, payload, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (collection, id)
			DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload, updated_at = now()`,
			collection, p.ID, pgvector.NewVector(p.Vector), payload)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("vector upsert: %w", dberr.Classify(err))
	}
	return nil
}

// Delete removes a point by id.
func (s *PgVectorStore) Delete(ctx context.Context, collection string, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM vector_points WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("vector delete: %w", dberr.Classify(err))
	}
	return nil
}

// BatchUpsert writes points chunk-wise with per-chunk retry.
func (s *PgVectorStore) BatchUpsert(ctx context.Context, collection string, points []Point, batchSize int) (BatchResult, error) {
	return chunkedUpsert(ctx, points, batchSize, func(ctx context.Context, chunk []Point) error {
		return s.Upsert(ctx, collection, chunk)
	})
}

// List returns points matching the filter.
func (s *PgVectorStore) List(ctx context.Context, collection string, filter *Filter, limit int) ([]Point, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	where, args := buildPayloadFilter(filter, 2)
	sql := fmt.Sprintf(`SELECT id, embedding, payload FROM vector_points WHERE collection = $1%s ORDER BY id`, where)
	if limit > 0 {
		sql += " LIMIT " + strconv.Itoa(limit)
	}

	allArgs := append([]interface{}{collection}, args...)
	rows, err := s.pool.Query(ctx, sql, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("vector list: %w", dberr.Classify(err))
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			id      uuid.UUID
			vec     pgvector.Vector
			payload []byte
		)
		if err := rows.Scan(&id, &vec, &payload); err != nil {
			return nil, fmt.Errorf("scan point: %w", dberr.Classify(err))
		}
		out = append(out, Point{ID: id, Vector: vec.Slice(), Payload: decodePayload(payload)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector list rows: %w", dberr.Classify(err))
	}
	return out, nil
}

// Count returns the number of points in a collection.
func (s *PgVectorStore) Count(ctx context.Context, collection string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM vector_points WHERE collection = $1`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vector count: %w", dberr.Classify(err))
	}
	return n, nil
}

// HealthCheck pings the pool and reports latency and pool stats.
func (s *PgVectorStore) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	start := time.Now()
	err := s.pool.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{
			Status:  "unhealthy",
			Latency: latency,
			Extra:   map[string]string{"error": err.Error()},
		}
	}

	stat := s.pool.Stat()
	return HealthStatus{
		Status:  "healthy",
		Latency: latency,
		Extra: map[string]string{
			"total_conns": strconv.Itoa(int(stat.TotalConns())),
			"idle_conns":  strconv.Itoa(int(stat.IdleConns())),
		},
	}
}

// Close releases the connection pool.
func (s *PgVectorStore) Close() error {
	s.pool.Close()
	return nil
}

// buildPayloadFilter renders the filter as SQL over the jsonb payload.
// argOffset is the index of the first placeholder to use.
func buildPayloadFilter(filter *Filter, argOffset int) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}

	var (
		sb   strings.Builder
		args []interface{}
	)
	next := func() int { return argOffset + len(args) }

	for key, want := range filter.Equals {
		fmt.Fprintf(&sb, " AND payload->>%s = $%d", quoteLiteral(key), next())
		args = append(args, fmt.Sprint(want))
	}

	for key, set := range filter.In {
		vals := make([]string, len(set))
		for i, v := range set {
			vals[i] = fmt.Sprint(v)
		}
		fmt.Fprintf(&sb, " AND payload->>%s = ANY($%d)", quoteLiteral(key), next())
		args = append(args, vals)
	}

	for key, r := range filter.Ranges {
		if r.GTE != nil {
			fmt.Fprintf(&sb, " AND (payload->>%s)::float8 >= $%d", quoteLiteral(key), next())
			args = append(args, *r.GTE)
		}
		if r.LTE != nil {
			fmt.Fprintf(&sb, " AND (payload->>%s)::float8 <= $%d", quoteLiteral(key), next())
			args = append(args, *r.LTE)
		}
	}

	return sb.String(), args
}

// quoteLiteral quotes a payload key for interpolation. Keys come from
// internal callers, not user input; quoting guards against typos.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func decodePayload(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

var _ Store = (*PgVectorStore)(nil)
