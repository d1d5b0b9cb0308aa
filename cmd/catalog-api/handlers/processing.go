package handlers

import (
	"net/http"

	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/pipeline"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/pkg/engine"
)

// ProcessingHandler serves batch enrichment submission and tracking.
type ProcessingHandler struct {
	engine *engine.Engine
	logger *observability.Logger
}

func NewProcessingHandler(e *engine.Engine, logger *observability.Logger) *ProcessingHandler {
	return &ProcessingHandler{engine: e, logger: logger}
}

type submitRequest struct {
	Items []pipeline.Item `json:"items"`
}

// Submit handles POST /processing.
func (h *ProcessingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		WriteError(w, http.StatusBadRequest, "validation_error", "items must not be empty")
		return
	}
	for _, item := range req.Items {
		if item.Key == "" || item.Name == "" {
			WriteError(w, http.StatusBadRequest, "validation_error", "items require key and name")
			return
		}
	}

	requestID, err := h.engine.SubmitBatch(r.Context(), req.Items)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": requestID,
		"items":      len(req.Items),
	})
}

// Status handles GET /processing/{id}.
func (h *ProcessingHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	request, progress, err := h.engine.BatchStatus(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"request":  request,
		"progress": progress,
	})
}

// Results handles GET /processing/{id}/results?status=&skip=&limit=.
func (h *ProcessingHandler) Results(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	status := storage.RecordStatus(r.URL.Query().Get("status"))
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		WriteError(w, http.StatusBadRequest, "validation_error", "limit must be in [1,500]")
		return
	}

	records, total, err := h.engine.BatchResults(r.Context(), id, status, skip, limit)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"total": total,
		"skip":  skip,
		"limit": limit,
	})
}

// Retry handles POST /processing/{id}/retry.
func (h *ProcessingHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	requeued, err := h.engine.RetryBatch(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": id,
		"requeued":   requeued,
	})
}

// Cancel handles POST /processing/{id}/cancel.
func (h *ProcessingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	h.engine.CancelBatch(id)
	WriteJSON(w, http.StatusOK, map[string]string{"request_id": id.String(), "status": "cancelling"})
}

// Statistics handles GET /processing/statistics.
func (h *ProcessingHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.BatchStatistics(r.Context())
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// Cleanup handles POST /processing/cleanup.
func (h *ProcessingHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.engine.CleanupBatches(r.Context())
	if err != nil {
		WriteDomainError(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}
