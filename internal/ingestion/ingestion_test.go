package ingestion

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stroyka-ai/material-catalog/internal/pipeline"
	"github.com/stroyka-ai/material-catalog/internal/storage"
)

type memRawProducts struct {
	mu       sync.Mutex
	products []*storage.RawProduct
}

func (s *memRawProducts) Create(ctx context.Context, p *storage.RawProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append(s.products, p)
	return nil
}

type captureDispatcher struct {
	items []pipeline.Item
	id    uuid.UUID
}

func (d *captureDispatcher) Submit(ctx context.Context, items []pipeline.Item) (uuid.UUID, error) {
	d.items = items
	d.id = uuid.New()
	return d.id, nil
}

func TestDetectSchema(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
		want    Schema
		wantErr bool
	}{
		{"legacy", []string{"name", "use_category", "unit", "price"}, SchemaLegacy, false},
		{"legacy with description", []string{"Name", "Use_Category", "Unit", "Price", "Description"}, SchemaLegacy, false},
		{"extended", []string{"name", "unit_price", "calc_unit", "count"}, SchemaExtended, false},
		{"extended wins over legacy", []string{"name", "unit", "price", "unit_price", "calc_unit"}, SchemaExtended, false},
		{"bom on first header", []string{"\uFEFFname", "unit", "price"}, SchemaLegacy, false},
		{"unknown", []string{"foo", "bar"}, SchemaUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectSchema(tt.headers)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownSchema)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeHeader(t *testing.T) {
	// Excel exports prefix the first column with a UTF-8 BOM.
	assert.Equal(t, "name", NormalizeHeader("\uFEFFName"))
	assert.Equal(t, "use_category", NormalizeHeader(" Use Category "))
	assert.Equal(t, "unit_price", NormalizeHeader("Unit_Price"))
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"1234.56", 1234.56, false},
		{"1234,56", 1234.56, false},
		{"1 234,56", 1234.56, false},
		{"0", 0, false},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePrice(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-03-15")
	require.NoError(t, err)
	assert.Equal(t, 2026, d.Year())

	d, err = ParseDate("2026-03-15T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.March, d.Month())

	_, err = ParseDate("15.03.2026")
	assert.Error(t, err)
}

func TestIngest_LegacyCSV(t *testing.T) {
	csv := strings.Join([]string{
		"name,use_category,unit,price,description",
		`Цемент М500,цемент,кг,"450,50",мешок 50 кг`,
		"Кирпич красный,,шт,25.00,",
		"Кирпич красный,,шт,26.00,",
		"x,,шт,10,",
	}, "\n")

	src, err := NewCSVSource(strings.NewReader(csv))
	require.NoError(t, err)

	raw := &memRawProducts{}
	dispatcher := &captureDispatcher{}
	ing := NewIngestor(raw, dispatcher, nil)

	res, err := ing.Ingest(context.Background(), src, "supplier-7", "pl-2026-08")
	require.NoError(t, err)

	assert.Equal(t, "legacy", res.Schema)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Deduplicated, "(name, unit) duplicate within the batch")
	require.Len(t, res.Errors, 1, "single-rune name is rejected")
	assert.Equal(t, 4, res.Errors[0].Row)
	assert.Equal(t, "name", res.Errors[0].Field)
	assert.Equal(t, dispatcher.id, res.RequestID)

	require.Len(t, raw.products, 2)
	first := raw.products[0]
	assert.Equal(t, "Цемент М500", first.Name)
	assert.Equal(t, "supplier-7", first.SupplierID)
	require.NotNil(t, first.PricelistID)
	assert.Equal(t, "pl-2026-08", *first.PricelistID)
	assert.InDelta(t, 450.50, first.UnitPrice, 1e-9)
	assert.Equal(t, "кг", first.CalcUnit)

	require.Len(t, dispatcher.items, 2)
	assert.Equal(t, first.ID.String(), dispatcher.items[0].Key)
	assert.Equal(t, "кирпич", dispatcher.items[1].UseCategory, "category inferred from name")
}

func TestIngest_ExtendedRows(t *testing.T) {
	rows := []map[string]string{
		{
			"name": "Профиль стальной", "sku": "PRF-100", "unit_price": "1 200,00",
			"calc_unit": "м", "count": "6", "buy_price": "1000",
			"date_price_change": "2026-07-01",
		},
		{
			"name": "Утеплитель", "unit_price": "bad", "calc_unit": "м2",
		},
	}

	raw := &memRawProducts{}
	dispatcher := &captureDispatcher{}
	ing := NewIngestor(raw, dispatcher, nil)

	res, err := ing.Ingest(context.Background(), NewSliceSource(rows), "supplier-1", "")
	require.NoError(t, err)

	assert.Equal(t, "extended", res.Schema)
	assert.Equal(t, 1, res.Accepted)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "unit_price", res.Errors[0].Field)

	require.Len(t, raw.products, 1)
	p := raw.products[0]
	require.NotNil(t, p.SKU)
	assert.Equal(t, "PRF-100", *p.SKU)
	assert.Equal(t, "RUB", p.UnitPriceCurrency)
	assert.InDelta(t, 6, p.Count, 1e-9)
	require.NotNil(t, p.BuyPrice)
	assert.InDelta(t, 1000, *p.BuyPrice, 1e-9)
	require.NotNil(t, p.DatePriceChange)
	assert.Equal(t, "2026-07-01", p.DatePriceChange.Format("2006-01-02"))
	require.NotNil(t, p.UseCategory)
	assert.Equal(t, "металлопрокат", *p.UseCategory, "category inferred from name")
	assert.Nil(t, p.PricelistID)
}

func TestIngest_UnitInferredFromName(t *testing.T) {
	rows := []map[string]string{
		{"name": "Цемент 50 кг", "unit_price": "300", "calc_unit": ""},
	}
	raw := &memRawProducts{}
	ing := NewIngestor(raw, &captureDispatcher{}, nil)

	// calc_unit column present but empty: inference fills it.
	res, err := ing.Ingest(context.Background(), NewSliceSource(rows), "s", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, "кг", raw.products[0].CalcUnit)
}

func TestIngest_AllRowsInvalid(t *testing.T) {
	rows := []map[string]string{
		{"name": "x", "unit_price": "10", "calc_unit": "шт"},
	}
	ing := NewIngestor(&memRawProducts{}, &captureDispatcher{}, nil)

	res, err := ing.Ingest(context.Background(), NewSliceSource(rows), "s", "")
	require.Error(t, err)
	assert.Equal(t, 0, res.Accepted)
	assert.Len(t, res.Errors, 1)
}

func TestIngest_MissingSupplierID(t *testing.T) {
	ing := NewIngestor(&memRawProducts{}, &captureDispatcher{}, nil)
	_, err := ing.Ingest(context.Background(),
		NewSliceSource([]map[string]string{{"name": "Цемент", "unit_price": "1", "calc_unit": "кг"}}),
		"  ", "")
	assert.Error(t, err)
}
