package handlers

import (
	"encoding/json"
	"mime"
	"net/http"

	"github.com/stroyka-ai/material-catalog/internal/ingestion"
	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/pkg/engine"
)

// IngestionHandler accepts supplier price lists for processing.
type IngestionHandler struct {
	engine         *engine.Engine
	logger         *observability.Logger
	maxUploadBytes int64
}

func NewIngestionHandler(e *engine.Engine, logger *observability.Logger, maxUploadBytes int64) *IngestionHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 << 20
	}
	return &IngestionHandler{engine: e, logger: logger, maxUploadBytes: maxUploadBytes}
}

type ingestJSONRequest struct {
	SupplierID  string              `json:"supplier_id"`
	PricelistID string              `json:"pricelist_id"`
	Rows        []map[string]string `json:"rows"`
}

// Ingest handles POST /ingest. A multipart form carries a CSV file
// plus supplier_id and pricelist_id fields; a JSON body carries the
// rows inline. Both respond 202 with the per-row outcome.
func (h *IngestionHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "missing or malformed Content-Type")
		return
	}

	switch mediaType {
	case "multipart/form-data":
		h.ingestMultipart(w, r)
	case "application/json":
		h.ingestJSON(w, r)
	default:
		WriteError(w, http.StatusUnsupportedMediaType, "unsupported_media_type",
			"expected multipart/form-data or application/json")
	}
}

func (h *IngestionHandler) ingestMultipart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "request_too_large",
			"upload exceeds the configured size limit")
		return
	}

	supplierID := r.FormValue("supplier_id")
	pricelistID := r.FormValue("pricelist_id")
	if supplierID == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "supplier_id is required")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "file field is required")
		return
	}
	defer file.Close()

	src, err := ingestion.NewCSVSource(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "unreadable CSV: "+err.Error())
		return
	}
	h.run(w, r, src, supplierID, pricelistID)
}

func (h *IngestionHandler) ingestJSON(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	var req ingestJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return
	}
	if req.SupplierID == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "supplier_id is required")
		return
	}
	if len(req.Rows) == 0 {
		WriteError(w, http.StatusBadRequest, "validation_error", "rows must not be empty")
		return
	}
	h.run(w, r, ingestion.NewSliceSource(req.Rows), req.SupplierID, req.PricelistID)
}

func (h *IngestionHandler) run(w http.ResponseWriter, r *http.Request, src ingestion.RowSource, supplierID, pricelistID string) {
	result, err := h.engine.Ingest(r.Context(), src, supplierID, pricelistID)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, result)
}
