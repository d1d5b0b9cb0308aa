package ingestion

import (
	"encoding/csv"
	"fmt"
	"io"
)

// RowSource yields tabular rows. CSV is built in; Excel sources plug
// in through the same interface from the upload handler.
type RowSource interface {
	// Headers returns the normalized column names.
	Headers() []string
	// Next returns the next row, or io.EOF when exhausted.
	Next() (Row, error)
}

// CSVSource reads UTF-8 CSV with a header line.
type CSVSource struct {
	reader  *csv.Reader
	headers []string
	index   int
}

// NewCSVSource wraps a reader and consumes the header line.
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	record, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	headers := make([]string, len(record))
	for i, h := range record {
		headers[i] = NormalizeHeader(h)
	}
	return &CSVSource{reader: cr, headers: headers}, nil
}

// Headers returns the normalized column names.
func (s *CSVSource) Headers() []string { return s.headers }

// Next reads one data row. Short rows leave trailing fields empty.
func (s *CSVSource) Next() (Row, error) {
	record, err := s.reader.Read()
	if err != nil {
		return Row{}, err
	}
	s.index++

	fields := make(map[string]string, len(s.headers))
	for i, h := range s.headers {
		if i < len(record) {
			fields[h] = record[i]
		}
	}
	return Row{Index: s.index, Fields: fields}, nil
}

// SliceSource serves pre-decoded rows, used for JSON batch bodies.
type SliceSource struct {
	headers []string
	rows    []map[string]string
	pos     int
}

// NewSliceSource builds a source over decoded rows. Headers are the
// union of keys across rows, normalized.
func NewSliceSource(rows []map[string]string) *SliceSource {
	seen := map[string]bool{}
	var headers []string
	normalized := make([]map[string]string, len(rows))
	for i, row := range rows {
		normalized[i] = make(map[string]string, len(row))
		for k, v := range row {
			nk := NormalizeHeader(k)
			normalized[i][nk] = v
			if !seen[nk] {
				seen[nk] = true
				headers = append(headers, nk)
			}
		}
	}
	return &SliceSource{headers: headers, rows: normalized}
}

// Headers returns the normalized column names.
func (s *SliceSource) Headers() []string { return s.headers }

// Next returns the next decoded row.
func (s *SliceSource) Next() (Row, error) {
	if s.pos >= len(s.rows) {
		return Row{}, io.EOF
	}
	s.pos++
	return Row{Index: s.pos, Fields: s.rows[s.pos-1]}, nil
}
