package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/cache"
	"github.com/stroyka-ai/material-catalog/internal/config"
	"github.com/stroyka-ai/material-catalog/internal/embedding"
	"github.com/stroyka-ai/material-catalog/internal/fabric"
	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/internal/vectorstore"
)

// MaterialsCollection is the vector collection holding the searchable
// catalog.
const MaterialsCollection = "materials"

// cacheNamespace prefixes all search response cache keys.
const cacheNamespace = "search"

// suggestionsKey is the rolling list of recent successful queries.
const suggestionsKey = "search:recent_queries"

// candidateLimit bounds how many candidates each strategy pulls before
// filtering and pagination.
const candidateLimit = 500

// MaterialStore is the relational side of the engine.
type MaterialStore interface {
	LexicalSearch(ctx context.Context, text string, limit int) ([]*storage.Material, []float64, error)
	ListAll(ctx context.Context) ([]*storage.Material, error)
}

// Engine executes search queries across the four strategies.
type Engine struct {
	embedder  embedding.Embedder
	vectors   vectorstore.Store
	materials MaterialStore
	cache     cache.Client
	router    *fabric.Router
	cfg       config.SearchConfig
	cacheTTL  time.Duration
	logger    *observability.Logger
}

// NewEngine creates the search engine. The router carries the
// vector_search and lexical_search bindings.
func NewEngine(embedder embedding.Embedder, vectors vectorstore.Store, materials MaterialStore,
	cacheClient cache.Client, router *fabric.Router, cfg config.SearchConfig,
	cacheTTL time.Duration, logger *observability.Logger) *Engine {
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = 0.3
	}
	if cfg.FuzzyThreshold == 0 {
		cfg.FuzzyThreshold = 0.8
	}
	if cfg.HybridWeights == (config.HybridWeights{}) {
		cfg.HybridWeights = config.HybridWeights{Vector: 0.5, Lexical: 0.3, Fuzzy: 0.2}
	}
	if cfg.SuggestionLimit <= 0 {
		cfg.SuggestionLimit = 10
	}
	if cacheTTL <= 0 {
		cacheTTL = 300 * time.Second
	}
	if logger == nil {
		logger = observability.DefaultLogger()
	}
	return &Engine{
		embedder:  embedder,
		vectors:   vectors,
		materials: materials,
		cache:     cacheClient,
		router:    router,
		cfg:       cfg,
		cacheTTL:  cacheTTL,
		logger:    logger,
	}
}

// candidate accumulates per-strategy scores for one material.
type candidate struct {
	material *storage.Material
	scores   map[Strategy]float64
}

// Search runs one query end to end: cache, strategy execution,
// filtering, sorting, pagination, highlighting and suggestions.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	if err := q.Normalize(e.cfg.FuzzyThreshold); err != nil {
		return nil, err
	}

	cacheKey := cache.Key(cacheNamespace, q.Fingerprint())
	if cached, err := e.cache.Get(ctx, cacheKey); err == nil {
		var resp Response
		if err := json.Unmarshal(cached, &resp); err == nil {
			resp.Cached = true
			return &resp, nil
		}
	}

	resp, err := e.execute(ctx, q)
	if err != nil {
		return nil, err
	}

	if q.IncludeSuggestions {
		resp.Suggestions = e.suggestions(ctx, q.Text)
	}
	if len(resp.Hits) > 0 {
		e.recordQuery(ctx, q.Text)
	}

	if payload, err := json.Marshal(resp); err == nil {
		if err := e.cache.Set(ctx, cacheKey, payload, e.cacheTTL); err != nil {
			e.logger.WithContext(ctx).Warn().Err(err).Msg("search cache write failed")
		}
	}
	return resp, nil
}

func (e *Engine) execute(ctx context.Context, q Query) (*Response, error) {
	candidates, used, err := e.gather(ctx, q)
	if err != nil {
		return nil, err
	}

	// Vector with zero hits retries once as lexical.
	if q.Strategy == StrategyVector && len(candidates) == 0 {
		lex := q
		lex.Strategy = StrategyLexical
		candidates, used, err = e.gather(ctx, lex)
		if err != nil {
			return nil, err
		}
	}

	hits := e.score(q, candidates)
	hits = e.applyFilters(q.Filters, hits)
	e.sortHits(q.Sort, hits)

	resp := &Response{
		Total:          len(hits),
		PageSize:       q.Pagination.PageSize,
		SourceStrategy: used,
	}

	page, next, err := e.paginate(q, hits)
	if err != nil {
		return nil, err
	}
	resp.Hits = page
	resp.NextCursor = next
	if q.Pagination.Cursor == "" {
		resp.Page = q.Pagination.Page
	}

	if q.Highlight {
		for i := range resp.Hits {
			resp.Hits[i].Highlights = highlight(q.Text, resp.Hits[i].Material)
		}
	}
	return resp, nil
}

// gather runs the strategy (or all three for hybrid) and merges
// candidates by material id.
func (e *Engine) gather(ctx context.Context, q Query) (map[uuid.UUID]*candidate, Strategy, error) {
	if q.Strategy != StrategyHybrid {
		candidates, err := e.runStrategy(ctx, q.Strategy, q)
		return candidates, q.Strategy, err
	}

	type result struct {
		strategy   Strategy
		candidates map[uuid.UUID]*candidate
		err        error
	}

	strategies := []Strategy{StrategyVector, StrategyLexical, StrategyFuzzy}
	results := make(chan result, len(strategies))
	var wg sync.WaitGroup
	for _, s := range strategies {
		wg.Add(1)
		go func(s Strategy) {
			defer wg.Done()
			c, err := e.runStrategy(ctx, s, q)
			results <- result{strategy: s, candidates: c, err: err}
		}(s)
	}
	wg.Wait()
	close(results)

	merged := map[uuid.UUID]*candidate{}
	failures := 0
	var lastErr error
	for res := range results {
		if res.err != nil {
			failures++
			lastErr = res.err
			e.logger.WithContext(ctx).Warn().Err(res.err).
				Str("strategy", string(res.strategy)).
				Msg("hybrid sub-strategy failed")
			continue
		}
		for id, c := range res.candidates {
			if existing, ok := merged[id]; ok {
				for s, score := range c.scores {
					existing.scores[s] = score
				}
			} else {
				merged[id] = c
			}
		}
	}
	// The search only fails when every sub-strategy failed.
	if failures == len(strategies) {
		return nil, StrategyHybrid, lastErr
	}
	return merged, StrategyHybrid, nil
}

func (e *Engine) runStrategy(ctx context.Context, s Strategy, q Query) (map[uuid.UUID]*candidate, error) {
	switch s {
	case StrategyVector:
		return e.vectorCandidates(ctx, q)
	case StrategyLexical:
		return e.lexicalCandidates(ctx, q)
	case StrategyFuzzy:
		return e.fuzzyCandidates(ctx, q)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
}

func (e *Engine) vectorCandidates(ctx context.Context, q Query) (map[uuid.UUID]*candidate, error) {
	emb, err := e.embedder.EmbedSingle(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	minSim := e.cfg.MinSimilarity
	if q.Filters.MinSimilarity != nil {
		minSim = *q.Filters.MinSimilarity
	}

	var hits []vectorstore.Hit
	err = e.router.Read(ctx, fabric.KindVectorSearch, func(ctx context.Context, target string) error {
		var searchErr error
		hits, searchErr = e.vectors.Search(ctx, MaterialsCollection, emb.Vector, candidateLimit, nil)
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	out := map[uuid.UUID]*candidate{}
	for _, h := range hits {
		score := float64(vectorstore.CosineToUnit(h.Score))
		if score < minSim {
			continue
		}
		m := materialFromPayload(h.ID, h.Payload)
		if m == nil {
			continue
		}
		out[h.ID] = &candidate{material: m, scores: map[Strategy]float64{StrategyVector: score}}
	}
	return out, nil
}

func (e *Engine) lexicalCandidates(ctx context.Context, q Query) (map[uuid.UUID]*candidate, error) {
	var materials []*storage.Material
	var scores []float64
	err := e.router.Read(ctx, fabric.KindLexicalSearch, func(ctx context.Context, target string) error {
		var searchErr error
		materials, scores, searchErr = e.materials.LexicalSearch(ctx, q.Text, candidateLimit)
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	out := map[uuid.UUID]*candidate{}
	for i, m := range materials {
		score := scores[i]
		if score > 1 {
			score = 1
		}
		if score <= 0 {
			continue
		}
		out[m.ID] = &candidate{material: m, scores: map[Strategy]float64{StrategyLexical: score}}
	}
	return out, nil
}

func (e *Engine) fuzzyCandidates(ctx context.Context, q Query) (map[uuid.UUID]*candidate, error) {
	var materials []*storage.Material
	err := e.router.Read(ctx, fabric.KindLexicalSearch, func(ctx context.Context, target string) error {
		var listErr error
		materials, listErr = e.materials.ListAll(ctx)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	out := map[uuid.UUID]*candidate{}
	for _, m := range materials {
		score := fuzzyScore(q.Text, m, q.Filters.SearchFields)
		if score < *q.FuzzyThreshold {
			continue
		}
		out[m.ID] = &candidate{material: m, scores: map[Strategy]float64{StrategyFuzzy: score}}
	}
	return out, nil
}

// score collapses per-strategy scores into hits. Hybrid combines with
// the configured weights; the best-scoring source is reported.
func (e *Engine) score(q Query, candidates map[uuid.UUID]*candidate) []Hit {
	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		hit := Hit{Material: c.material}
		if q.Strategy == StrategyHybrid {
			w := e.cfg.HybridWeights
			hit.Score = w.Vector*c.scores[StrategyVector] +
				w.Lexical*c.scores[StrategyLexical] +
				w.Fuzzy*c.scores[StrategyFuzzy]
			best := StrategyVector
			for _, s := range []Strategy{StrategyVector, StrategyLexical, StrategyFuzzy} {
				if c.scores[s] > c.scores[best] {
					best = s
				}
			}
			hit.SourceStrategy = best
		} else {
			for s, score := range c.scores {
				hit.Score = score
				hit.SourceStrategy = s
			}
		}
		if hit.Score > 1 {
			hit.Score = 1
		}
		hits = append(hits, hit)
	}
	return hits
}

func (e *Engine) applyFilters(f Filters, hits []Hit) []Hit {
	out := hits[:0]
	for _, h := range hits {
		m := h.Material
		if len(f.Categories) > 0 && !containsFold(f.Categories, m.UseCategory) {
			continue
		}
		if len(f.Units) > 0 && !containsFold(f.Units, m.Unit) {
			continue
		}
		if f.SKUPattern != "" {
			sku := ""
			if m.SKU != nil {
				sku = *m.SKU
			}
			if ok, err := path.Match(f.SKUPattern, sku); err != nil || !ok {
				continue
			}
		}
		if f.CreatedAfter != nil && !m.CreatedAt.After(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && !m.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		if f.UpdatedAfter != nil && !m.UpdatedAt.After(*f.UpdatedAfter) {
			continue
		}
		if f.UpdatedBefore != nil && !m.UpdatedAt.Before(*f.UpdatedBefore) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// sortHits applies the ordered sort keys with the ascending-id
// tie-break.
func (e *Engine) sortHits(keys []SortKey, hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		for _, key := range keys {
			cmp := compareHits(key.Field, a, b)
			if cmp == 0 {
				continue
			}
			if key.Direction == "desc" {
				return cmp > 0
			}
			return cmp < 0
		}
		return a.Material.ID.String() < b.Material.ID.String()
	})
}

func compareHits(field SortField, a, b Hit) int {
	switch field {
	case SortRelevance:
		switch {
		case a.Score < b.Score:
			return -1
		case a.Score > b.Score:
			return 1
		}
	case SortName:
		return strings.Compare(a.Material.Name, b.Material.Name)
	case SortUseCategory:
		return strings.Compare(a.Material.UseCategory, b.Material.UseCategory)
	case SortCreatedAt:
		return a.Material.CreatedAt.Compare(b.Material.CreatedAt)
	case SortUpdatedAt:
		return a.Material.UpdatedAt.Compare(b.Material.UpdatedAt)
	}
	return 0
}

func (e *Engine) paginate(q Query, hits []Hit) ([]Hit, string, error) {
	size := q.Pagination.PageSize

	start := 0
	if q.Pagination.Cursor != "" {
		c, err := decodeCursor(q.Pagination.Cursor, q.scopeFingerprint())
		if err != nil {
			return nil, "", err
		}
		pos := -1
		for i, h := range hits {
			if h.Material.ID == c.LastID {
				pos = i
				break
			}
		}
		if pos == -1 {
			// The anchor hit was deleted since the cursor was issued;
			// treat the cursor as exhausted rather than failing.
			return []Hit{}, "", nil
		}
		start = pos + 1
	} else {
		start = (q.Pagination.Page - 1) * size
	}

	if start >= len(hits) {
		return []Hit{}, "", nil
	}
	end := start + size
	if end > len(hits) {
		end = len(hits)
	}
	page := hits[start:end]

	next := ""
	if end < len(hits) && len(page) > 0 {
		next = encodeCursor(q.scopeFingerprint(), page[len(page)-1].Material.ID)
	}
	return page, next, nil
}

// highlight wraps query-term matches in name and description.
func highlight(query string, m *storage.Material) map[string]Highlight {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	out := map[string]Highlight{}
	if marked, changed := markTerms(m.Name, terms); changed {
		out["name"] = Highlight{Original: m.Name, Marked: marked}
	}
	if m.Description != nil {
		if marked, changed := markTerms(*m.Description, terms); changed {
			out["description"] = Highlight{Original: *m.Description, Marked: marked}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// markTerms surrounds case-insensitive term occurrences with
// <mark>…</mark>, preserving original casing.
func markTerms(text string, terms []string) (string, bool) {
	lower := strings.ToLower(text)
	type span struct{ start, end int }
	var spans []span
	for _, term := range terms {
		for from := 0; ; {
			idx := strings.Index(lower[from:], term)
			if idx < 0 {
				break
			}
			start := from + idx
			spans = append(spans, span{start, start + len(term)})
			from = start + len(term)
		}
	}
	if len(spans) == 0 {
		return text, false
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	// Merge overlaps so nested terms never produce nested tags.
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	var sb strings.Builder
	prev := 0
	for _, s := range merged {
		sb.WriteString(text[prev:s.start])
		sb.WriteString("<mark>")
		sb.WriteString(text[s.start:s.end])
		sb.WriteString("</mark>")
		prev = s.end
	}
	sb.WriteString(text[prev:])
	return sb.String(), true
}

// suggestions merges recent successful queries with canonical material
// names sharing a prefix, capped and de-duplicated. Failures degrade
// to an empty list; suggestions never block the main result.
func (e *Engine) suggestions(ctx context.Context, text string) []string {
	prefix := strings.ToLower(strings.TrimSpace(text))
	seen := map[string]bool{}
	var out []string

	recent, err := e.cache.ListRange(ctx, suggestionsKey, 0, int64(4*e.cfg.SuggestionLimit))
	if err == nil {
		for _, raw := range recent {
			q := string(raw)
			lq := strings.ToLower(q)
			if lq == prefix || seen[lq] || !strings.HasPrefix(lq, prefix) {
				continue
			}
			seen[lq] = true
			out = append(out, q)
			if len(out) >= e.cfg.SuggestionLimit {
				return out
			}
		}
	}

	materials, err := e.materials.ListAll(ctx)
	if err != nil {
		return out
	}
	for _, m := range materials {
		ln := strings.ToLower(m.Name)
		if ln == prefix || seen[ln] || !strings.Contains(ln, prefix) {
			continue
		}
		seen[ln] = true
		out = append(out, m.Name)
		if len(out) >= e.cfg.SuggestionLimit {
			break
		}
	}
	return out
}

func (e *Engine) recordQuery(ctx context.Context, text string) {
	if err := e.cache.ListPush(ctx, suggestionsKey, []byte(text), int64(8*e.cfg.SuggestionLimit)); err != nil &&
		!errors.Is(err, context.Canceled) {
		e.logger.WithContext(ctx).Debug().Err(err).Msg("suggestion record failed")
	}
}

// IndexMaterial writes a material into the vector collection and
// invalidates the search response cache.
func (e *Engine) IndexMaterial(ctx context.Context, m *storage.Material, vector []float32) error {
	point := vectorstore.Point{ID: m.ID, Vector: vector, Payload: materialPayload(m)}
	if err := e.vectors.Upsert(ctx, MaterialsCollection, []vectorstore.Point{point}); err != nil {
		return err
	}
	return e.InvalidateCache(ctx)
}

// RemoveMaterial deletes a material from the vector collection and
// invalidates the search response cache.
func (e *Engine) RemoveMaterial(ctx context.Context, id uuid.UUID) error {
	if err := e.vectors.Delete(ctx, MaterialsCollection, id); err != nil {
		return err
	}
	return e.InvalidateCache(ctx)
}

// InvalidateCache conservatively clears the whole search namespace.
func (e *Engine) InvalidateCache(ctx context.Context) error {
	return e.cache.ClearNamespace(ctx, cacheNamespace)
}

// materialPayload denormalizes a material into a vector point payload.
func materialPayload(m *storage.Material) map[string]interface{} {
	payload := map[string]interface{}{
		"name":         m.Name,
		"use_category": m.UseCategory,
		"unit":         m.Unit,
		"created_at":   m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if m.SKU != nil {
		payload["sku"] = *m.SKU
	}
	if m.Description != nil {
		payload["description"] = *m.Description
	}
	if m.Color != nil {
		payload["color"] = *m.Color
	}
	return payload
}

// materialFromPayload rebuilds a material from a vector point payload.
func materialFromPayload(id uuid.UUID, payload map[string]interface{}) *storage.Material {
	name, ok := payload["name"].(string)
	if !ok {
		return nil
	}
	m := &storage.Material{ID: id, Name: name}
	if v, ok := payload["use_category"].(string); ok {
		m.UseCategory = v
	}
	if v, ok := payload["unit"].(string); ok {
		m.Unit = v
	}
	if v, ok := payload["sku"].(string); ok {
		m.SKU = &v
	}
	if v, ok := payload["description"].(string); ok {
		m.Description = &v
	}
	if v, ok := payload["color"].(string); ok {
		m.Color = &v
	}
	if v, ok := payload["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.CreatedAt = t
		}
	}
	if v, ok := payload["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.UpdatedAt = t
		}
	}
	return m
}
