package handlers

import (
	"net/http"

	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/search"
	"github.com/stroyka-ai/material-catalog/pkg/engine"
)

// SearchHandler serves material search.
type SearchHandler struct {
	engine *engine.Engine
	logger *observability.Logger
}

func NewSearchHandler(e *engine.Engine, logger *observability.Logger) *SearchHandler {
	return &SearchHandler{engine: e, logger: logger}
}

// Simple handles GET /search. Query parameters cover the common case;
// the POST body form exposes filters, sorting, and cursors.
func (h *SearchHandler) Simple(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := search.Query{
		Text:     params.Get("q"),
		Strategy: search.Strategy(params.Get("strategy")),
	}
	q.Pagination.Page = queryInt(r, "page", 0)
	q.Pagination.PageSize = queryInt(r, "page_size", 0)
	q.Highlight = params.Get("highlight") == "true"
	q.IncludeSuggestions = params.Get("suggestions") == "true"

	h.run(w, r, q)
}

// Full handles POST /search with the complete query model.
func (h *SearchHandler) Full(w http.ResponseWriter, r *http.Request) {
	var q search.Query
	if !decodeBody(w, r, &q) {
		return
	}
	h.run(w, r, q)
}

// Suggestions handles GET /search/suggestions?q=. It runs a
// first-page search with suggestions enabled and returns only the
// suggestion list.
func (h *SearchHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:               r.URL.Query().Get("q"),
		IncludeSuggestions: true,
	}
	resp, err := h.engine.Search(r.Context(), q)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	suggestions := resp.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"query":       q.Text,
		"suggestions": suggestions,
	})
}

func (h *SearchHandler) run(w http.ResponseWriter, r *http.Request, q search.Query) {
	resp, err := h.engine.Search(r.Context(), q)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
