package handlers

import (
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/pkg/engine"
)

// MaxBulkMaterials caps one bulk-create request.
const MaxBulkMaterials = 1000

// MaxListLimit caps one page of the material listing.
const MaxListLimit = 100

// MaterialHandler serves material CRUD.
type MaterialHandler struct {
	engine *engine.Engine
	logger *observability.Logger
}

func NewMaterialHandler(e *engine.Engine, logger *observability.Logger) *MaterialHandler {
	return &MaterialHandler{engine: e, logger: logger}
}

type materialRequest struct {
	Name        string  `json:"name"`
	UseCategory string  `json:"use_category"`
	Unit        string  `json:"unit"`
	SKU         *string `json:"sku,omitempty"`
	Description *string `json:"description,omitempty"`
	Color       *string `json:"color,omitempty"`
}

func (req *materialRequest) validate() (string, bool) {
	if n := utf8.RuneCountInString(req.Name); n < 2 || n > 200 {
		return "name must be between 2 and 200 characters", false
	}
	if req.UseCategory == "" {
		return "use_category is required", false
	}
	if req.Unit == "" {
		return "unit is required", false
	}
	return "", true
}

func (req *materialRequest) toMaterial() *storage.Material {
	return &storage.Material{
		Name:        req.Name,
		UseCategory: req.UseCategory,
		Unit:        req.Unit,
		SKU:         req.SKU,
		Description: req.Description,
		Color:       req.Color,
	}
}

// Create handles POST /materials.
func (h *MaterialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req materialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg, ok := req.validate(); !ok {
		WriteError(w, http.StatusBadRequest, "validation_error", msg)
		return
	}

	m := req.toMaterial()
	if err := h.engine.CreateMaterial(r.Context(), m); err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, m)
}

// Get handles GET /materials/{id}.
func (h *MaterialHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	m, err := h.engine.GetMaterial(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

// List handles GET /materials?skip=&limit=&use_category=.
func (h *MaterialHandler) List(w http.ResponseWriter, r *http.Request) {
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > MaxListLimit {
		WriteError(w, http.StatusBadRequest, "validation_error", "limit must be in [1,100]")
		return
	}
	useCategory := r.URL.Query().Get("use_category")

	items, total, err := h.engine.ListMaterials(r.Context(), skip, limit, useCategory)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": total,
		"skip":  skip,
		"limit": limit,
	})
}

// Update handles PUT /materials/{id}.
func (h *MaterialHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req materialRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg, ok := req.validate(); !ok {
		WriteError(w, http.StatusBadRequest, "validation_error", msg)
		return
	}

	m := req.toMaterial()
	m.ID = id
	if err := h.engine.UpdateMaterial(r.Context(), m); err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

// Delete handles DELETE /materials/{id}.
func (h *MaterialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.engine.DeleteMaterial(r.Context(), id); err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "deleted"})
}

// BulkCreate handles POST /materials/batch.
func (h *MaterialHandler) BulkCreate(w http.ResponseWriter, r *http.Request) {
	var reqs []materialRequest
	if !decodeBody(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 {
		WriteError(w, http.StatusBadRequest, "validation_error", "at least one material is required")
		return
	}
	if len(reqs) > MaxBulkMaterials {
		WriteError(w, http.StatusBadRequest, "validation_error",
			"at most "+strconv.Itoa(MaxBulkMaterials)+" materials per request")
		return
	}

	materials := make([]*storage.Material, 0, len(reqs))
	for i := range reqs {
		if msg, ok := reqs[i].validate(); !ok {
			WriteError(w, http.StatusBadRequest, "validation_error",
				"item "+strconv.Itoa(i)+": "+msg)
			return
		}
		materials = append(materials, reqs[i].toMaterial())
	}

	result, err := h.engine.BulkCreateMaterials(r.Context(), materials)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, result)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "invalid id: must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
