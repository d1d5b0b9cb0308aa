// Package storage provides relational models and repositories for the
// catalog engine.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus represents the lifecycle of a processing request.
type RequestStatus string

const (
	RequestStatusQueued     RequestStatus = "queued"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed || s == RequestStatusCancelled
}

// RecordStatus represents the lifecycle of a processing record.
type RecordStatus string

const (
	RecordStatusPending    RecordStatus = "pending"
	RecordStatusInProgress RecordStatus = "in_progress"
	RecordStatusSucceeded  RecordStatus = "succeeded"
	RecordStatusFailed     RecordStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RecordStatus) Terminal() bool {
	return s == RecordStatusSucceeded || s == RecordStatusFailed
}

// Stage names the enrichment stages in pipeline order.
type Stage string

const (
	StageParse     Stage = "parse"
	StageNormalize Stage = "normalize"
	StageAssignSKU Stage = "assign_sku"
	StagePersist   Stage = "persist"
)

// SKUConfidence labels how a SKU was assigned.
type SKUConfidence string

const (
	SKUConfidenceHigh SKUConfidence = "high"
	SKUConfidenceLow  SKUConfidence = "low"
)

// Material is a canonical catalog entry.
type Material struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	UseCategory string    `json:"use_category" db:"use_category"`
	Unit        string    `json:"unit" db:"unit"`
	SKU         *string   `json:"sku,omitempty" db:"sku"`
	Description *string   `json:"description,omitempty" db:"description"`
	Color       *string   `json:"color,omitempty" db:"color"`
	Embedding   []float32 `json:"-" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// RawProduct is a supplier row awaiting enrichment.
type RawProduct struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	SupplierID        string     `json:"supplier_id" db:"supplier_id"`
	PricelistID       *string    `json:"pricelist_id,omitempty" db:"pricelist_id"`
	Name              string     `json:"name" db:"name"`
	SKU               *string    `json:"sku,omitempty" db:"sku"`
	UseCategory       *string    `json:"use_category,omitempty" db:"use_category"`
	UnitPrice         float64    `json:"unit_price" db:"unit_price"`
	UnitPriceCurrency string     `json:"unit_price_currency" db:"unit_price_currency"`
	BuyPrice          *float64   `json:"buy_price,omitempty" db:"buy_price"`
	SalePrice         *float64   `json:"sale_price,omitempty" db:"sale_price"`
	UnitCalcPrice     *float64   `json:"unit_calc_price,omitempty" db:"unit_calc_price"`
	CalcUnit          string     `json:"calc_unit" db:"calc_unit"`
	Count             float64    `json:"count" db:"count"`
	DatePriceChange   *time.Time `json:"date_price_change,omitempty" db:"date_price_change"`
	IsProcessed       bool       `json:"is_processed" db:"is_processed"`
	UploadDate        time.Time  `json:"upload_date" db:"upload_date"`
	Created           time.Time  `json:"created" db:"created"`
	Modified          time.Time  `json:"modified" db:"modified"`
}

// Category is filter-surface reference data.
type Category struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Unit is filter-surface reference data.
type Unit struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ProcessingRequest tracks one batch enrichment run.
type ProcessingRequest struct {
	RequestID    uuid.UUID     `json:"request_id" db:"request_id"`
	Status       RequestStatus `json:"status" db:"status"`
	Total        int           `json:"total" db:"total"`
	Processed    int           `json:"processed" db:"processed"`
	Succeeded    int           `json:"succeeded" db:"succeeded"`
	FailedCount  int           `json:"failed_count" db:"failed_count"`
	CurrentStage Stage         `json:"current_stage" db:"current_stage"`
	Error        *string       `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// EnrichedOutput is the per-record enrichment result snapshot.
type EnrichedOutput struct {
	Material            *Material      `json:"material,omitempty"`
	Color               *string        `json:"color,omitempty"`
	ParsedUnit          *string        `json:"parsed_unit,omitempty"`
	UnitCoefficient     *float64       `json:"unit_coefficient,omitempty"`
	NormalizationFailed bool           `json:"normalization_failed,omitempty"`
	SKUConfidence       *SKUConfidence `json:"sku_confidence,omitempty"`
	SelfSeeded          bool           `json:"self_seeded,omitempty"`
}

// ProcessingRecord tracks one item within a processing request.
// MaterialKey is the stable id of the input item and is never empty.
type ProcessingRecord struct {
	RequestID     uuid.UUID       `json:"request_id" db:"request_id"`
	MaterialKey   string          `json:"material_key" db:"material_key"`
	Status        RecordStatus    `json:"status" db:"status"`
	Stage         Stage           `json:"stage" db:"stage"`
	InputSnapshot []byte          `json:"input_snapshot,omitempty" db:"input_snapshot"`
	Output        *EnrichedOutput `json:"output,omitempty" db:"-"`
	Error         *string         `json:"error,omitempty" db:"error"`
	Attempts      int             `json:"attempts" db:"attempts"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// RequestProgress is the aggregate view of a request's records.
type RequestProgress struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
}

// ProcessingStatistics aggregates terminal requests.
type ProcessingStatistics struct {
	TotalRequests     int            `json:"total_requests"`
	RequestsByStatus  map[string]int `json:"requests_by_status"`
	TotalRecords      int            `json:"total_records"`
	SucceededRecords  int            `json:"succeeded_records"`
	FailedRecords     int            `json:"failed_records"`
	SuccessRate       float64        `json:"success_rate"`
	AvgDurationMillis int64          `json:"avg_duration_ms"`
}
