// Package search implements the hybrid search engine: vector, lexical
// and fuzzy strategies with filtering, sorting, pagination,
// highlighting, suggestions and response caching.
package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stroyka-ai/material-catalog/internal/storage"
)

// Strategy selects the retrieval algorithm.
type Strategy string

const (
	StrategyVector  Strategy = "vector"
	StrategyLexical Strategy = "lexical"
	StrategyFuzzy   Strategy = "fuzzy"
	StrategyHybrid  Strategy = "hybrid"
)

// SortField is one of the supported sort keys.
type SortField string

const (
	SortRelevance   SortField = "relevance"
	SortName        SortField = "name"
	SortCreatedAt   SortField = "created_at"
	SortUpdatedAt   SortField = "updated_at"
	SortUseCategory SortField = "use_category"
)

// SortKey is one entry of the ordered sort list.
type SortKey struct {
	Field     SortField `json:"field"`
	Direction string    `json:"direction"` // asc | desc
}

// Filters is the closed predicate set.
type Filters struct {
	Categories    []string   `json:"categories,omitempty"`
	Units         []string   `json:"units,omitempty"`
	SKUPattern    string     `json:"sku_pattern,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	UpdatedAfter  *time.Time `json:"updated_after,omitempty"`
	UpdatedBefore *time.Time `json:"updated_before,omitempty"`
	SearchFields  []string   `json:"search_fields,omitempty"`
	MinSimilarity *float64   `json:"min_similarity,omitempty"`
}

// Pagination selects either page-based or cursor-based paging.
type Pagination struct {
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

// Query is the full search request.
type Query struct {
	Text               string     `json:"text"`
	Strategy           Strategy   `json:"strategy"`
	Filters            Filters    `json:"filters"`
	Sort               []SortKey  `json:"sort,omitempty"`
	Pagination         Pagination `json:"pagination"`
	FuzzyThreshold     *float64   `json:"fuzzy_threshold,omitempty"`
	IncludeSuggestions bool       `json:"include_suggestions,omitempty"`
	Highlight          bool       `json:"highlight,omitempty"`
}

// Highlight carries the original and marked form of one field.
type Highlight struct {
	Original string `json:"original"`
	Marked   string `json:"marked"`
}

// Hit is one search result.
type Hit struct {
	Material       *storage.Material    `json:"material"`
	Score          float64              `json:"score"`
	SourceStrategy Strategy             `json:"source_strategy"`
	Highlights     map[string]Highlight `json:"highlights,omitempty"`
}

// Response is the paged search result.
type Response struct {
	Hits           []Hit    `json:"hits"`
	Total          int      `json:"total"`
	Page           int      `json:"page,omitempty"`
	PageSize       int      `json:"page_size"`
	NextCursor     string   `json:"next_cursor,omitempty"`
	SourceStrategy Strategy `json:"source_strategy"`
	Suggestions    []string `json:"suggestions,omitempty"`
	Cached         bool     `json:"cached,omitempty"`
}

// Validation errors.
var (
	ErrEmptyQuery         = errors.New("search: query text is required")
	ErrInvalidStrategy    = errors.New("search: unknown strategy")
	ErrInvalidPageSize    = errors.New("search: page_size must be in [1,100]")
	ErrInvalidPage        = errors.New("search: page must be >= 1")
	ErrInvalidThreshold   = errors.New("search: fuzzy_threshold must be in (0,1]")
	ErrInvalidSortField   = errors.New("search: unsupported sort field")
	ErrInvalidSearchField = errors.New("search: unsupported search field")
)

// MaxPageSize caps one page of results.
const MaxPageSize = 100

// DefaultPageSize applies when the request leaves page_size unset.
const DefaultPageSize = 10

// Normalize fills defaults and validates the closed option sets.
func (q *Query) Normalize(defaultFuzzyThreshold float64) error {
	if q.Text == "" {
		return ErrEmptyQuery
	}
	if q.Strategy == "" {
		q.Strategy = StrategyHybrid
	}
	switch q.Strategy {
	case StrategyVector, StrategyLexical, StrategyFuzzy, StrategyHybrid:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, q.Strategy)
	}

	if q.Pagination.PageSize == 0 {
		q.Pagination.PageSize = DefaultPageSize
	}
	if q.Pagination.PageSize < 1 || q.Pagination.PageSize > MaxPageSize {
		return ErrInvalidPageSize
	}
	if q.Pagination.Cursor == "" {
		if q.Pagination.Page == 0 {
			q.Pagination.Page = 1
		}
		if q.Pagination.Page < 1 {
			return ErrInvalidPage
		}
	}

	// An absent threshold takes the configured default; an explicit
	// zero is rejected, not defaulted.
	if q.FuzzyThreshold == nil {
		q.FuzzyThreshold = &defaultFuzzyThreshold
	}
	if *q.FuzzyThreshold <= 0 || *q.FuzzyThreshold > 1 {
		return ErrInvalidThreshold
	}

	if len(q.Sort) == 0 {
		q.Sort = []SortKey{{Field: SortRelevance, Direction: "desc"}}
	}
	for i, key := range q.Sort {
		switch key.Field {
		case SortRelevance, SortName, SortCreatedAt, SortUpdatedAt, SortUseCategory:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidSortField, key.Field)
		}
		if key.Direction == "" {
			if key.Field == SortRelevance {
				q.Sort[i].Direction = "desc"
			} else {
				q.Sort[i].Direction = "asc"
			}
		} else if key.Direction != "asc" && key.Direction != "desc" {
			return fmt.Errorf("%w: direction %q", ErrInvalidSortField, key.Direction)
		}
	}

	for _, f := range q.Filters.SearchFields {
		switch f {
		case "name", "description", "use_category":
		default:
			return fmt.Errorf("%w: %q", ErrInvalidSearchField, f)
		}
	}
	return nil
}

// Fingerprint is the canonical cache key of the query.
func (q *Query) Fingerprint() string {
	payload, _ := json.Marshal(struct {
		Strategy   Strategy   `json:"strategy"`
		Text       string     `json:"text"`
		Filters    Filters    `json:"filters"`
		Sort       []SortKey  `json:"sort"`
		Pagination Pagination `json:"pagination"`
		Threshold  *float64   `json:"threshold"`
		Highlight  bool       `json:"highlight"`
	}{q.Strategy, q.Text, q.Filters, q.Sort, q.Pagination, q.FuzzyThreshold, q.Highlight})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// scopeFingerprint identifies the filter+sort scope a cursor is bound
// to; a cursor from one scope is invalid in any other.
func (q *Query) scopeFingerprint() string {
	payload, _ := json.Marshal(struct {
		Strategy Strategy  `json:"strategy"`
		Text     string    `json:"text"`
		Filters  Filters   `json:"filters"`
		Sort     []SortKey `json:"sort"`
	}{q.Strategy, q.Text, q.Filters, q.Sort})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
