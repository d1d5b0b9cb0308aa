// Package handlers implements the HTTP handlers of the catalog API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stroyka-ai/material-catalog/internal/dberr"
	"github.com/stroyka-ai/material-catalog/internal/enrich"
	"github.com/stroyka-ai/material-catalog/internal/fabric"
	"github.com/stroyka-ai/material-catalog/internal/ingestion"
	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/pipeline"
	"github.com/stroyka-ai/material-catalog/internal/reference"
	"github.com/stroyka-ai/material-catalog/internal/search"
)

// Envelope is the uniform response shape of the API.
type Envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError carries a machine-readable code plus a human message.
type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// WriteJSON writes a success envelope.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	})
}

// WriteDomainError maps domain errors to HTTP status codes and error
// codes. Unknown errors become a 500 with the detail logged, not
// leaked.
func WriteDomainError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	switch {
	case errors.Is(err, dberr.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, dberr.ErrConflict), errors.Is(err, reference.ErrDuplicateName):
		WriteError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, dberr.ErrTimeout):
		WriteError(w, http.StatusGatewayTimeout, "timeout", "backing store timed out")
	case errors.Is(err, dberr.ErrConnection):
		WriteError(w, http.StatusServiceUnavailable, "unavailable", "backing store unavailable")
	case errors.Is(err, pipeline.ErrQueueFull):
		WriteError(w, http.StatusTooManyRequests, "queue_full", err.Error())
	case errors.Is(err, pipeline.ErrNotRetryable):
		WriteError(w, http.StatusConflict, "not_retryable", err.Error())
	case errors.Is(err, search.ErrInvalidCursor):
		WriteError(w, http.StatusBadRequest, "invalid_cursor", err.Error())
	case isSearchValidation(err):
		WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, ingestion.ErrUnknownSchema):
		WriteError(w, http.StatusUnprocessableEntity, "unknown_schema", err.Error())
	case errors.Is(err, enrich.ErrFallbackEmbedding):
		WriteError(w, http.StatusServiceUnavailable, "embedding_unavailable", err.Error())
	case errors.Is(err, fabric.ErrBodyTooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, "request_too_large", err.Error())
	case errors.Is(err, dberr.ErrQuery):
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		if logger != nil {
			logger.WithContext(r.Context()).Error().Err(err).
				Str("path", r.URL.Path).
				Msg("unhandled domain error")
		}
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func isSearchValidation(err error) bool {
	for _, target := range []error{
		search.ErrEmptyQuery,
		search.ErrInvalidStrategy,
		search.ErrInvalidPageSize,
		search.ErrInvalidPage,
		search.ErrInvalidThreshold,
		search.ErrInvalidSortField,
		search.ErrInvalidSearchField,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// decodeBody decodes the cached request body into dst, translating
// decode failures into a 400 envelope. Returns false when the response
// was already written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := fabric.BodyJSON(r.Context(), dst); err != nil {
		if errors.Is(err, fabric.ErrNoBody) {
			WriteError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return false
		}
		WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}
