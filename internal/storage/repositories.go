package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
)

// DB represents a database connection interface.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const uniqueViolation = "23505"

// classify maps driver errors onto the shared error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return dberr.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", dberr.ErrConflict, pqErr.Constraint)
	}
	return dberr.Classify(err)
}

// MaterialRepository handles material CRUD and lexical lookups.
type MaterialRepository struct {
	db DB
}

// NewMaterialRepository creates a new material repository.
func NewMaterialRepository(db DB) *MaterialRepository {
	return &MaterialRepository{db: db}
}

const materialColumns = `id, name, use_category, unit, sku, description, color, created_at, updated_at`

func scanMaterial(row interface{ Scan(...interface{}) error }) (*Material, error) {
	m := &Material{}
	err := row.Scan(
		&m.ID, &m.Name, &m.UseCategory, &m.Unit, &m.SKU,
		&m.Description, &m.Color, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// Create inserts a material. A duplicate SKU returns ErrConflict.
func (r *MaterialRepository) Create(ctx context.Context, m *Material) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt

	query := `
		INSERT INTO materials (id, name, use_category, unit, sku, description, color, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.Name, m.UseCategory, m.Unit, m.SKU, m.Description, m.Color,
		m.CreatedAt, m.UpdatedAt,
	)
	return classify(err)
}

// GetByID retrieves a material by ID.
func (r *MaterialRepository) GetByID(ctx context.Context, id uuid.UUID) (*Material, error) {
	query := `SELECT ` + materialColumns + ` FROM materials WHERE id = $1`
	return scanMaterial(r.db.QueryRowContext(ctx, query, id))
}

// GetBySKU retrieves a material by SKU.
func (r *MaterialRepository) GetBySKU(ctx context.Context, sku string) (*Material, error) {
	query := `SELECT ` + materialColumns + ` FROM materials WHERE sku = $1`
	return scanMaterial(r.db.QueryRowContext(ctx, query, sku))
}

// GetByNameAndUnit retrieves a material by its identity pair.
func (r *MaterialRepository) GetByNameAndUnit(ctx context.Context, name, unit string) (*Material, error) {
	query := `SELECT ` + materialColumns + ` FROM materials WHERE name = $1 AND unit = $2`
	return scanMaterial(r.db.QueryRowContext(ctx, query, name, unit))
}

// Update replaces the mutable fields of a material.
func (r *MaterialRepository) Update(ctx context.Context, m *Material) error {
	m.UpdatedAt = time.Now()
	query := `
		UPDATE materials
		SET name = $2, use_category = $3, unit = $4, sku = $5, description = $6, color = $7, updated_at = $8
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		m.ID, m.Name, m.UseCategory, m.Unit, m.SKU, m.Description, m.Color, m.UpdatedAt,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dberr.ErrNotFound
	}
	return nil
}

// Delete removes a material by ID.
func (r *MaterialRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM materials WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dberr.ErrNotFound
	}
	return nil
}

// List pages materials, optionally filtered by use category.
func (r *MaterialRepository) List(ctx context.Context, skip, limit int, useCategory string) ([]*Material, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + materialColumns + ` FROM materials`
	args := []interface{}{}
	if useCategory != "" {
		query += ` WHERE use_category = $1`
		args = append(args, useCategory)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT %d OFFSET %d`, limit, skip)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

// Count returns the total number of materials.
func (r *MaterialRepository) Count(ctx context.Context, useCategory string) (int64, error) {
	query := `SELECT count(*) FROM materials`
	args := []interface{}{}
	if useCategory != "" {
		query += ` WHERE use_category = $1`
		args = append(args, useCategory)
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// BulkCreateResult reports the outcome of a batch insert.
type BulkCreateResult struct {
	Created    []*Material `json:"created"`
	Duplicates []string    `json:"duplicates"`
}

// BulkCreate inserts materials, skipping items whose (name, unit) pair
// already exists. Duplicate identities are reported, not failed.
func (r *MaterialRepository) BulkCreate(ctx context.Context, materials []*Material) (*BulkCreateResult, error) {
	result := &BulkCreateResult{}
	seen := make(map[string]bool, len(materials))

	for _, m := range materials {
		key := strings.ToLower(m.Name) + "\x00" + strings.ToLower(m.Unit)
		if seen[key] {
			result.Duplicates = append(result.Duplicates, m.Name)
			continue
		}
		seen[key] = true

		if _, err := r.GetByNameAndUnit(ctx, m.Name, m.Unit); err == nil {
			result.Duplicates = append(result.Duplicates, m.Name)
			continue
		} else if !errors.Is(err, dberr.ErrNotFound) {
			return result, err
		}

		if err := r.Create(ctx, m); err != nil {
			if errors.Is(err, dberr.ErrConflict) {
				result.Duplicates = append(result.Duplicates, m.Name)
				continue
			}
			return result, err
		}
		result.Created = append(result.Created, m)
	}
	return result, nil
}

// LexicalSearch runs a trigram-ranked ILIKE and full-text query over
// name, description and use_category. The rank is the best per-field
// similarity, damped for non-name fields, so an exact name match
// scores 1.0.
func (r *MaterialRepository) LexicalSearch(ctx context.Context, text string, limit int) ([]*Material, []float64, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT ` + materialColumns + `,
			greatest(similarity(name, $1),
				0.7 * similarity(coalesce(description, ''), $1),
				0.5 * similarity(use_category, $1)) AS rank
		FROM materials
		WHERE name % $1
		   OR coalesce(description, '') % $1
		   OR use_category % $1
		   OR name ILIKE '%' || $1 || '%'
		   OR to_tsvector('simple', name || ' ' || coalesce(description, '')) @@ plainto_tsquery('simple', $1)
		ORDER BY rank DESC, id
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, text, limit)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer rows.Close()

	var out []*Material
	var scores []float64
	for rows.Next() {
		m := &Material{}
		var rank float64
		if err := rows.Scan(
			&m.ID, &m.Name, &m.UseCategory, &m.Unit, &m.SKU,
			&m.Description, &m.Color, &m.CreatedAt, &m.UpdatedAt, &rank,
		); err != nil {
			return nil, nil, classify(err)
		}
		out = append(out, m)
		scores = append(scores, rank)
	}
	return out, scores, classify(rows.Err())
}

// ListAll streams every material, for fuzzy scoring and reindexing.
func (r *MaterialRepository) ListAll(ctx context.Context) ([]*Material, error) {
	query := `SELECT ` + materialColumns + ` FROM materials ORDER BY name, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Material
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

// RawProductRepository handles supplier price rows.
type RawProductRepository struct {
	db DB
}

// NewRawProductRepository creates a new raw product repository.
func NewRawProductRepository(db DB) *RawProductRepository {
	return &RawProductRepository{db: db}
}

const rawProductColumns = `id, supplier_id, pricelist_id, name, sku, use_category,
	unit_price, unit_price_currency, buy_price, sale_price, unit_calc_price,
	calc_unit, count, date_price_change, is_processed, upload_date, created, modified`

func scanRawProduct(row interface{ Scan(...interface{}) error }) (*RawProduct, error) {
	p := &RawProduct{}
	err := row.Scan(
		&p.ID, &p.SupplierID, &p.PricelistID, &p.Name, &p.SKU, &p.UseCategory,
		&p.UnitPrice, &p.UnitPriceCurrency, &p.BuyPrice, &p.SalePrice, &p.UnitCalcPrice,
		&p.CalcUnit, &p.Count, &p.DatePriceChange, &p.IsProcessed,
		&p.UploadDate, &p.Created, &p.Modified,
	)
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

// Create inserts a raw product row.
func (r *RawProductRepository) Create(ctx context.Context, p *RawProduct) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	if p.UploadDate.IsZero() {
		p.UploadDate = now
	}
	p.Created = now
	p.Modified = now

	query := `
		INSERT INTO raw_products (` + rawProductColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.SupplierID, p.PricelistID, p.Name, p.SKU, p.UseCategory,
		p.UnitPrice, p.UnitPriceCurrency, p.BuyPrice, p.SalePrice, p.UnitCalcPrice,
		p.CalcUnit, p.Count, p.DatePriceChange, p.IsProcessed,
		p.UploadDate, p.Created, p.Modified,
	)
	return classify(err)
}

// GetByID retrieves a raw product by ID.
func (r *RawProductRepository) GetByID(ctx context.Context, id uuid.UUID) (*RawProduct, error) {
	query := `SELECT ` + rawProductColumns + ` FROM raw_products WHERE id = $1`
	return scanRawProduct(r.db.QueryRowContext(ctx, query, id))
}

// ListUnprocessed pages raw products still awaiting enrichment.
func (r *RawProductRepository) ListUnprocessed(ctx context.Context, limit int) ([]*RawProduct, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + rawProductColumns + ` FROM raw_products
		WHERE is_processed = false
		ORDER BY upload_date, id
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*RawProduct
	for rows.Next() {
		p, err := scanRawProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classify(rows.Err())
}

// MarkProcessed flags raw products as consumed by the pipeline.
func (r *RawProductRepository) MarkProcessed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE raw_products SET is_processed = true, modified = now() WHERE id = ANY($1)`
	_, err := r.db.ExecContext(ctx, query, pq.Array(ids))
	return classify(err)
}

// CategoryRepository handles category reference data.
type CategoryRepository struct {
	db DB
}

// NewCategoryRepository creates a new category repository.
func NewCategoryRepository(db DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

// Create inserts a category. A duplicate name returns ErrConflict.
func (r *CategoryRepository) Create(ctx context.Context, c *Category) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	query := `INSERT INTO categories (id, name, description, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, query, c.ID, c.Name, c.Description, c.CreatedAt)
	return classify(err)
}

// GetByID retrieves a category by ID.
func (r *CategoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Category, error) {
	c := &Category{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM categories WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return c, nil
}

// GetByName retrieves a category by its unique name.
func (r *CategoryRepository) GetByName(ctx context.Context, name string) (*Category, error) {
	c := &Category{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM categories WHERE name = $1`, name,
	).Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return c, nil
}

// List returns all categories ordered by name.
func (r *CategoryRepository) List(ctx context.Context) ([]*Category, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, description, created_at FROM categories ORDER BY name`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Category
	for rows.Next() {
		c := &Category{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, c)
	}
	return out, classify(rows.Err())
}

// Delete removes a category by ID.
func (r *CategoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dberr.ErrNotFound
	}
	return nil
}

// UnitRepository handles unit reference data.
type UnitRepository struct {
	db DB
}

// NewUnitRepository creates a new unit repository.
func NewUnitRepository(db DB) *UnitRepository {
	return &UnitRepository{db: db}
}

// Create inserts a unit. A duplicate name returns ErrConflict.
func (r *UnitRepository) Create(ctx context.Context, u *Unit) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now()
	query := `INSERT INTO units (id, name, description, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, query, u.ID, u.Name, u.Description, u.CreatedAt)
	return classify(err)
}

// GetByID retrieves a unit by ID.
func (r *UnitRepository) GetByID(ctx context.Context, id uuid.UUID) (*Unit, error) {
	u := &Unit{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM units WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Description, &u.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

// GetByName retrieves a unit by its unique name.
func (r *UnitRepository) GetByName(ctx context.Context, name string) (*Unit, error) {
	u := &Unit{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM units WHERE name = $1`, name,
	).Scan(&u.ID, &u.Name, &u.Description, &u.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

// List returns all units ordered by name.
func (r *UnitRepository) List(ctx context.Context) ([]*Unit, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, description, created_at FROM units ORDER BY name`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Unit
	for rows.Next() {
		u := &Unit{}
		if err := rows.Scan(&u.ID, &u.Name, &u.Description, &u.CreatedAt); err != nil {
			return nil, classify(err)
		}
		out = append(out, u)
	}
	return out, classify(rows.Err())
}

// Delete removes a unit by ID.
func (r *UnitRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM units WHERE id = $1`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dberr.ErrNotFound
	}
	return nil
}

// ProcessingRequestRepository handles batch request state. All counter
// updates flow through the orchestrator, which is the single writer.
type ProcessingRequestRepository struct {
	db DB
}

// NewProcessingRequestRepository creates a new request repository.
func NewProcessingRequestRepository(db DB) *ProcessingRequestRepository {
	return &ProcessingRequestRepository{db: db}
}

const requestColumns = `request_id, status, total, processed, succeeded, failed_count,
	current_stage, error, created_at, started_at, completed_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (*ProcessingRequest, error) {
	pr := &ProcessingRequest{}
	err := row.Scan(
		&pr.RequestID, &pr.Status, &pr.Total, &pr.Processed, &pr.Succeeded,
		&pr.FailedCount, &pr.CurrentStage, &pr.Error,
		&pr.CreatedAt, &pr.StartedAt, &pr.CompletedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	return pr, nil
}

// Create inserts a new request in the queued state.
func (r *ProcessingRequestRepository) Create(ctx context.Context, pr *ProcessingRequest) error {
	if pr.RequestID == uuid.Nil {
		pr.RequestID = uuid.New()
	}
	if pr.Status == "" {
		pr.Status = RequestStatusQueued
	}
	if pr.CurrentStage == "" {
		pr.CurrentStage = StageParse
	}
	pr.CreatedAt = time.Now()

	query := `
		INSERT INTO processing_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		pr.RequestID, pr.Status, pr.Total, pr.Processed, pr.Succeeded,
		pr.FailedCount, pr.CurrentStage, pr.Error,
		pr.CreatedAt, pr.StartedAt, pr.CompletedAt,
	)
	return classify(err)
}

// GetByID retrieves a request by ID.
func (r *ProcessingRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*ProcessingRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM processing_requests WHERE request_id = $1`
	return scanRequest(r.db.QueryRowContext(ctx, query, id))
}

// UpdateStatus transitions a request. A terminal status also stamps
// completed_at; the processing transition stamps started_at.
func (r *ProcessingRequestRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status RequestStatus, errMsg *string) error {
	now := time.Now()
	var started, completed *time.Time
	if status == RequestStatusProcessing {
		started = &now
	}
	if status.Terminal() {
		completed = &now
	}

	query := `
		UPDATE processing_requests
		SET status = $2, error = coalesce($3, error),
			started_at = coalesce($4, started_at),
			completed_at = coalesce($5, completed_at)
		WHERE request_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, status, errMsg, started, completed)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dberr.ErrNotFound
	}
	return nil
}

// UpdateProgress writes the counter snapshot and current stage.
func (r *ProcessingRequestRepository) UpdateProgress(ctx context.Context, id uuid.UUID, processed, succeeded, failed int, stage Stage) error {
	query := `
		UPDATE processing_requests
		SET processed = $2, succeeded = $3, failed_count = $4, current_stage = $5
		WHERE request_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, processed, succeeded, failed, stage)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dberr.ErrNotFound
	}
	return nil
}

// List pages requests, newest first, optionally filtered by status.
func (r *ProcessingRequestRepository) List(ctx context.Context, status RequestStatus, limit int) ([]*ProcessingRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + requestColumns + ` FROM processing_requests`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*ProcessingRequest
	for rows.Next() {
		pr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, classify(rows.Err())
}

// DeleteOlderThan removes terminal requests completed before the cutoff
// and returns how many were reaped. Records cascade.
func (r *ProcessingRequestRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM processing_requests
		WHERE completed_at IS NOT NULL AND completed_at < $1
		  AND status IN ('completed', 'failed', 'cancelled')
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Statistics aggregates terminal requests into a processing summary.
func (r *ProcessingRequestRepository) Statistics(ctx context.Context) (*ProcessingStatistics, error) {
	stats := &ProcessingStatistics{RequestsByStatus: map[string]int{}}

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, count(*) FROM processing_requests GROUP BY status`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err)
		}
		stats.RequestsByStatus[status] = n
		stats.TotalRequests += n
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	query := `
		SELECT coalesce(sum(total), 0), coalesce(sum(succeeded), 0), coalesce(sum(failed_count), 0),
			coalesce(avg(extract(epoch FROM (completed_at - started_at)) * 1000), 0)
		FROM processing_requests
		WHERE completed_at IS NOT NULL
	`
	var avgMillis float64
	err = r.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalRecords, &stats.SucceededRecords, &stats.FailedRecords, &avgMillis,
	)
	if err != nil {
		return nil, classify(err)
	}
	stats.AvgDurationMillis = int64(avgMillis)
	if stats.TotalRecords > 0 {
		stats.SuccessRate = float64(stats.SucceededRecords) / float64(stats.TotalRecords)
	}
	return stats, nil
}

// ProcessingRecordRepository handles per-item progress rows.
type ProcessingRecordRepository struct {
	db DB
}

// NewProcessingRecordRepository creates a new record repository.
func NewProcessingRecordRepository(db DB) *ProcessingRecordRepository {
	return &ProcessingRecordRepository{db: db}
}

const recordColumns = `request_id, material_key, status, stage, input_snapshot, output, error, attempts, updated_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (*ProcessingRecord, error) {
	rec := &ProcessingRecord{}
	var output []byte
	err := row.Scan(
		&rec.RequestID, &rec.MaterialKey, &rec.Status, &rec.Stage,
		&rec.InputSnapshot, &output, &rec.Error, &rec.Attempts, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, classify(err)
	}
	if len(output) > 0 {
		rec.Output = &EnrichedOutput{}
		if err := json.Unmarshal(output, rec.Output); err != nil {
			return nil, fmt.Errorf("%w: decode record output: %v", dberr.ErrQuery, err)
		}
	}
	return rec, nil
}

// CreatePending seeds one pending record per item, in a single insert.
func (r *ProcessingRecordRepository) CreatePending(ctx context.Context, requestID uuid.UUID, keys []string, snapshots [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	if len(snapshots) != len(keys) {
		return fmt.Errorf("%w: snapshot count %d does not match key count %d", dberr.ErrQuery, len(snapshots), len(keys))
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO processing_records (request_id, material_key, status, stage, input_snapshot, updated_at) VALUES `)
	args := []interface{}{requestID}
	now := time.Now()
	for i, key := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($1, $%d, 'pending', 'parse', $%d, $%d)", len(args)+1, len(args)+2, len(args)+3)
		args = append(args, key, snapshots[i], now)
	}

	_, err := r.db.ExecContext(ctx, sb.String(), args...)
	return classify(err)
}

// Get retrieves one record by its composite key.
func (r *ProcessingRecordRepository) Get(ctx context.Context, requestID uuid.UUID, key string) (*ProcessingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM processing_records WHERE request_id = $1 AND material_key = $2`
	return scanRecord(r.db.QueryRowContext(ctx, query, requestID, key))
}

// Update writes the record's status, stage, output and error, bumping
// the attempt counter when the record enters in_progress.
func (r *ProcessingRecordRepository) Update(ctx context.Context, rec *ProcessingRecord) error {
	var output []byte
	if rec.Output != nil {
		var err error
		output, err = json.Marshal(rec.Output)
		if err != nil {
			return fmt.Errorf("%w: encode record output: %v", dberr.ErrQuery, err)
		}
	}

	query := `
		UPDATE processing_records
		SET status = $3, stage = $4, output = $5, error = $6,
			attempts = attempts + CASE WHEN $3 = 'in_progress' THEN 1 ELSE 0 END,
			updated_at = now()
		WHERE request_id = $1 AND material_key = $2
	`
	res, err := r.db.ExecContext(ctx, query,
		rec.RequestID, rec.MaterialKey, rec.Status, rec.Stage, output, rec.Error,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dberr.ErrNotFound
	}
	return nil
}

// ListByRequest returns the records of a request, optionally filtered
// by status, in material-key order.
func (r *ProcessingRecordRepository) ListByRequest(ctx context.Context, requestID uuid.UUID, status RecordStatus) ([]*ProcessingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM processing_records WHERE request_id = $1`
	args := []interface{}{requestID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY material_key`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*ProcessingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, classify(rows.Err())
}

// ResetFailed moves failed records back to pending for a retry pass and
// returns the material keys that were reset.
func (r *ProcessingRecordRepository) ResetFailed(ctx context.Context, requestID uuid.UUID) ([]string, error) {
	query := `
		UPDATE processing_records
		SET status = 'pending', stage = 'parse', error = NULL, updated_at = now()
		WHERE request_id = $1 AND status = 'failed'
		RETURNING material_key
	`
	rows, err := r.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, classify(err)
		}
		keys = append(keys, key)
	}
	return keys, classify(rows.Err())
}

// Progress aggregates a request's records by status.
func (r *ProcessingRecordRepository) Progress(ctx context.Context, requestID uuid.UUID) (*RequestProgress, error) {
	query := `SELECT status, count(*) FROM processing_records WHERE request_id = $1 GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	progress := &RequestProgress{}
	for rows.Next() {
		var status RecordStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify(err)
		}
		progress.Total += n
		switch status {
		case RecordStatusPending:
			progress.Pending = n
		case RecordStatusInProgress:
			progress.InProgress = n
		case RecordStatusSucceeded:
			progress.Succeeded = n
		case RecordStatusFailed:
			progress.Failed = n
		}
	}
	return progress, classify(rows.Err())
}
