package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/enrich"
	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/pipeline"
	"github.com/stroyka-ai/material-catalog/internal/storage"
)

// RawProductStore persists supplier rows before enrichment.
type RawProductStore interface {
	Create(ctx context.Context, p *storage.RawProduct) error
}

// Dispatcher schedules a new processing request for the batch.
type Dispatcher interface {
	Submit(ctx context.Context, items []pipeline.Item) (uuid.UUID, error)
}

// Result summarizes one ingestion call.
type Result struct {
	RequestID    uuid.UUID  `json:"request_id"`
	Schema       string     `json:"schema"`
	Accepted     int        `json:"accepted"`
	Deduplicated int        `json:"deduplicated"`
	Errors       []RowError `json:"errors,omitempty"`
}

// Ingestor validates, dedupes and dispatches price-list rows.
type Ingestor struct {
	rawProducts RawProductStore
	dispatcher  Dispatcher
	logger      *observability.Logger
}

// NewIngestor creates the ingestion front door.
func NewIngestor(rawProducts RawProductStore, dispatcher Dispatcher, logger *observability.Logger) *Ingestor {
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Ingestor{rawProducts: rawProducts, dispatcher: dispatcher, logger: logger}
}

// Ingest consumes a row source: detects the schema, validates each
// row, infers missing category/unit from the keyword lexicon, dedupes
// by (name, unit) within the batch, persists raw products and submits
// one processing request. Row-level errors are collected, not fatal.
func (ing *Ingestor) Ingest(ctx context.Context, src RowSource, supplierID, pricelistID string) (*Result, error) {
	if strings.TrimSpace(supplierID) == "" {
		return nil, errors.New("ingestion: supplier_id is required")
	}

	schema, err := DetectSchema(src.Headers())
	if err != nil {
		return nil, err
	}

	result := &Result{Schema: schema.String()}
	seen := map[string]bool{}
	var items []pipeline.Item

	for {
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, RowError{
				Row: row.Index, Field: "", Message: err.Error(),
			})
			continue
		}

		product, rowErrs := ing.buildProduct(row, schema, supplierID, pricelistID)
		if len(rowErrs) > 0 {
			result.Errors = append(result.Errors, rowErrs...)
			continue
		}

		key := strings.ToLower(product.Name) + "\x00" + strings.ToLower(product.CalcUnit)
		if seen[key] {
			result.Deduplicated++
			continue
		}
		seen[key] = true

		if err := ing.rawProducts.Create(ctx, product); err != nil {
			result.Errors = append(result.Errors, RowError{
				Row: row.Index, Field: "", Message: fmt.Sprintf("persist raw product: %v", err),
			})
			continue
		}

		useCategory := ""
		if product.UseCategory != nil {
			useCategory = *product.UseCategory
		}
		id := product.ID
		items = append(items, pipeline.Item{
			Key:          product.ID.String(),
			Name:         product.Name,
			Unit:         product.CalcUnit,
			UseCategory:  useCategory,
			RawProductID: &id,
		})
		result.Accepted++
	}

	if len(items) == 0 {
		return result, fmt.Errorf("ingestion: no valid rows (%d errors)", len(result.Errors))
	}

	requestID, err := ing.dispatcher.Submit(ctx, items)
	if err != nil {
		return result, fmt.Errorf("dispatch batch: %w", err)
	}
	result.RequestID = requestID

	ing.logger.WithContext(ctx).Info().
		Str("request_id", requestID.String()).
		Str("supplier_id", supplierID).
		Str("schema", result.Schema).
		Int("accepted", result.Accepted).
		Int("deduplicated", result.Deduplicated).
		Int("errors", len(result.Errors)).
		Msg("price list ingested")
	return result, nil
}

// buildProduct maps one row onto a RawProduct per the detected schema.
func (ing *Ingestor) buildProduct(row Row, schema Schema, supplierID, pricelistID string) (*storage.RawProduct, []RowError) {
	var errs []RowError

	name := row.get("name")
	if len([]rune(name)) < 2 {
		errs = append(errs, RowError{Row: row.Index, Field: "name", Message: "name must be at least 2 characters"})
	}

	product := &storage.RawProduct{
		ID:                uuid.New(),
		SupplierID:        supplierID,
		Name:              name,
		UnitPriceCurrency: "RUB",
		Count:             1,
		UploadDate:        time.Now(),
	}
	if pricelistID != "" {
		product.PricelistID = &pricelistID
	}

	switch schema {
	case SchemaLegacy:
		price, err := ParsePrice(row.get("price"))
		if err != nil {
			errs = append(errs, RowError{Row: row.Index, Field: "price", Message: err.Error()})
		}
		product.UnitPrice = price
		product.CalcUnit = strings.ToLower(row.get("unit"))
		if category := row.get("use_category"); category != "" {
			product.UseCategory = &category
		}

	case SchemaExtended:
		price, err := ParsePrice(row.get("unit_price"))
		if err != nil {
			errs = append(errs, RowError{Row: row.Index, Field: "unit_price", Message: err.Error()})
		}
		product.UnitPrice = price
		product.CalcUnit = strings.ToLower(row.get("calc_unit"))

		if sku := row.get("sku"); sku != "" {
			product.SKU = &sku
		}
		if category := row.get("use_category"); category != "" {
			product.UseCategory = &category
		}
		if currency := row.get("unit_price_currency"); currency != "" {
			product.UnitPriceCurrency = currency
		}
		for field, dst := range map[string]**float64{
			"buy_price":       &product.BuyPrice,
			"sale_price":      &product.SalePrice,
			"unit_calc_price": &product.UnitCalcPrice,
		} {
			if raw := row.get(field); raw != "" {
				v, err := ParsePrice(raw)
				if err != nil {
					errs = append(errs, RowError{Row: row.Index, Field: field, Message: err.Error()})
					continue
				}
				*dst = &v
			}
		}
		if raw := row.get("count"); raw != "" {
			v, err := ParsePrice(raw)
			if err != nil || v <= 0 {
				errs = append(errs, RowError{Row: row.Index, Field: "count", Message: "count must be a positive number"})
			} else {
				product.Count = v
			}
		}
		if raw := row.get("date_price_change"); raw != "" {
			d, err := ParseDate(raw)
			if err != nil {
				errs = append(errs, RowError{Row: row.Index, Field: "date_price_change", Message: err.Error()})
			} else {
				product.DatePriceChange = &d
			}
		}
	}

	// Infer what the supplier left out.
	if product.CalcUnit == "" {
		if inferred := enrich.InferUnit(name); inferred != "" {
			product.CalcUnit = inferred
		} else {
			errs = append(errs, RowError{Row: row.Index, Field: "calc_unit", Message: "unit missing and not inferable from name"})
		}
	}
	if product.UseCategory == nil {
		if inferred := enrich.InferCategory(name); inferred != "" {
			product.UseCategory = &inferred
		}
	}
	if product.UnitPrice < 0 {
		errs = append(errs, RowError{Row: row.Index, Field: "unit_price", Message: "price must not be negative"})
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return product, nil
}
