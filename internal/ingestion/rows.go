// Package ingestion is the price-list front door: it detects the row
// schema, normalizes rows into raw products and dispatches them into
// the batch pipeline.
package ingestion

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schema identifies which of the two recognized row shapes a source
// carries.
type Schema int

const (
	SchemaUnknown Schema = iota
	// SchemaLegacy: name, use_category, unit, price, description?
	SchemaLegacy
	// SchemaExtended: name, sku?, use_category?, unit_price,
	// unit_price_currency?, unit_calc_price?, buy_price?, sale_price?,
	// calc_unit, count?, date_price_change?
	SchemaExtended
)

func (s Schema) String() string {
	switch s {
	case SchemaLegacy:
		return "legacy"
	case SchemaExtended:
		return "extended"
	default:
		return "unknown"
	}
}

// ErrUnknownSchema is returned when headers match neither row shape.
var ErrUnknownSchema = errors.New("ingestion: unrecognized column set")

// Row is one raw tabular row keyed by normalized header name.
type Row struct {
	Index  int
	Fields map[string]string
}

func (r Row) get(field string) string {
	return strings.TrimSpace(r.Fields[field])
}

// RowError is a per-row validation failure. Valid rows continue to
// process around it.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d, field %q: %s", e.Row, e.Field, e.Message)
}

// DetectSchema decides the row shape from the header set. Extended
// wins when its distinguishing columns are present.
func DetectSchema(headers []string) (Schema, error) {
	set := make(map[string]bool, len(headers))
	for _, h := range headers {
		set[NormalizeHeader(h)] = true
	}

	switch {
	case set["unit_price"] && set["calc_unit"]:
		return SchemaExtended, nil
	case set["name"] && set["unit"] && set["price"]:
		return SchemaLegacy, nil
	default:
		return SchemaUnknown, fmt.Errorf("%w: %v", ErrUnknownSchema, headers)
	}
}

// NormalizeHeader lower-cases and snake-cases a column header.
func NormalizeHeader(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	h = strings.ReplaceAll(h, " ", "_")
	return strings.TrimPrefix(h, "\uFEFF")
}

// ParsePrice accepts numeric text with either a decimal comma or dot,
// with optional space or non-breaking-space thousand separators.
func ParsePrice(s string) (float64, error) {
	cleaned := strings.NewReplacer(" ", "", " ", "", ",", ".").Replace(strings.TrimSpace(s))
	if cleaned == "" {
		return 0, errors.New("empty number")
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

// ParseDate accepts ISO-8601 timestamps and bare YYYY-MM-DD dates.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 date: %q", s)
}
