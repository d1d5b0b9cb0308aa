package handlers

import (
	"net/http"

	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/pkg/engine"
)

// HealthHandler serves liveness and the detailed adapter report.
type HealthHandler struct {
	engine  *engine.Engine
	logger  *observability.Logger
	version string
}

func NewHealthHandler(e *engine.Engine, logger *observability.Logger, version string) *HealthHandler {
	return &HealthHandler{engine: e, logger: logger, version: version}
}

// Basic handles GET /health.
func (h *HealthHandler) Basic(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "catalog-api",
		"version": h.version,
	})
}

// Detailed handles GET /health/detailed. Degraded reports 207 so load
// balancers keep routing while operators see the partial outage;
// fully unhealthy reports 503.
func (h *HealthHandler) Detailed(w http.ResponseWriter, r *http.Request) {
	report := h.engine.Health(r.Context())

	status := http.StatusOK
	switch report.Status {
	case "degraded":
		status = http.StatusMultiStatus
	case "unhealthy":
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, report)
}
