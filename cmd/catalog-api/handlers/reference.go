package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/reference"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/pkg/engine"
)

// ReferenceHandler serves the relational filter surface (categories,
// units) and the vector-backed reference collections.
type ReferenceHandler struct {
	engine *engine.Engine
	logger *observability.Logger
}

func NewReferenceHandler(e *engine.Engine, logger *observability.Logger) *ReferenceHandler {
	return &ReferenceHandler{engine: e, logger: logger}
}

type referenceItemRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// CreateCategory handles POST /categories.
func (h *ReferenceHandler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	var req referenceItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}
	c := &storage.Category{Name: req.Name, Description: req.Description}
	if err := h.engine.Categories().Create(r.Context(), c); err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

// ListCategories handles GET /categories.
func (h *ReferenceHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.Categories().List(r.Context())
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, items)
}

// DeleteCategory handles DELETE /categories/{id}.
func (h *ReferenceHandler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Categories().Delete(r.Context(), id); err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "deleted"})
}

// CreateUnit handles POST /units.
func (h *ReferenceHandler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req referenceItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}
	u := &storage.Unit{Name: req.Name, Description: req.Description}
	if err := h.engine.Units().Create(r.Context(), u); err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, u)
}

// ListUnits handles GET /units.
func (h *ReferenceHandler) ListUnits(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.Units().List(r.Context())
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, items)
}

// DeleteUnit handles DELETE /units/{id}.
func (h *ReferenceHandler) DeleteUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Units().Delete(r.Context(), id); err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "deleted"})
}

// AddEntry handles POST /reference/{collection}.
func (h *ReferenceHandler) AddEntry(w http.ResponseWriter, r *http.Request) {
	coll, ok := h.collection(w, r)
	if !ok {
		return
	}
	var entry reference.Entry
	if !decodeBody(w, r, &entry) {
		return
	}
	if entry.Name == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}
	created, err := coll.Add(r.Context(), entry)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

// ListEntries handles GET /reference/{collection}.
func (h *ReferenceHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	coll, ok := h.collection(w, r)
	if !ok {
		return
	}
	entries, err := coll.List(r.Context())
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

// DeleteEntry handles DELETE /reference/{collection}/{id}.
func (h *ReferenceHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	coll, ok := h.collection(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := coll.Delete(r.Context(), id); err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "deleted"})
}

// Resolve handles GET /reference/{collection}/resolve?name=. Aliases
// resolve to their canonical entry; a miss is a 404.
func (h *ReferenceHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	coll, ok := h.collection(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "name query parameter is required")
		return
	}
	entry, err := coll.ResolveByName(r.Context(), name)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}

func (h *ReferenceHandler) collection(w http.ResponseWriter, r *http.Request) (*reference.Collection, bool) {
	name := chi.URLParam(r, "collection")
	coll, err := h.engine.References().ByName(name)
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", "unknown reference collection: "+name)
		return nil, false
	}
	return coll, true
}
