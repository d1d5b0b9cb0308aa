package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/stroyka-ai/material-catalog/internal/fabric"
)

// AdapterHealth is the health of one backing adapter.
type AdapterHealth struct {
	Status    string            `json:"status"`
	LatencyMs int64             `json:"latency_ms"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// HealthReport aggregates adapter health and fabric routing state.
type HealthReport struct {
	Status       string                         `json:"status"` // healthy | degraded | unhealthy
	DegradedMode bool                           `json:"degraded_mode"`
	Adapters     map[string]AdapterHealth       `json:"adapters"`
	Routes       map[fabric.Kind][]fabric.BindingState `json:"routes"`
	Timestamp    time.Time                      `json:"timestamp"`
}

// Health probes every adapter and reports the aggregate state. A
// single failing adapter degrades the report; everything failing makes
// it unhealthy. Degraded mode additionally reflects open breakers on
// primary fabric bindings (progress served vector-only, reads served
// by fallbacks).
func (e *Engine) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Adapters:  make(map[string]AdapterHealth, 4),
		Timestamp: time.Now().UTC(),
	}

	vh := e.vectors.HealthCheck(ctx)
	report.Adapters["vector"] = AdapterHealth{Status: vh.Status, LatencyMs: vh.Latency.Milliseconds(), Extra: vh.Extra}

	ch := e.cacheClient.HealthCheck(ctx)
	report.Adapters["cache"] = AdapterHealth{Status: ch.Status, LatencyMs: ch.Latency.Milliseconds(), Extra: ch.Extra}

	eh := e.embedder.HealthCheck(ctx)
	report.Adapters["embedding"] = AdapterHealth{
		Status:    eh.Status,
		LatencyMs: eh.Latency.Milliseconds(),
		Extra:     map[string]string{"model": eh.Model},
	}

	report.Adapters["relational"] = e.relationalHealth(ctx)

	if e.logSink != nil {
		report.Adapters["log"] = AdapterHealth{
			Status: "healthy",
			Extra:  map[string]string{"dropped": strconv.FormatInt(e.logSink.Dropped(), 10)},
		}
	}

	routes, degraded := e.router.Health()
	report.Routes = routes
	report.DegradedMode = degraded

	unhealthy := 0
	for _, a := range report.Adapters {
		if a.Status != "healthy" {
			unhealthy++
		}
	}
	switch {
	case unhealthy == 0 && !degraded:
		report.Status = "healthy"
	case unhealthy == len(report.Adapters):
		report.Status = "unhealthy"
	default:
		report.Status = "degraded"
	}
	return report
}

// relationalHealth times a trivial aggregate query against the
// relational store.
func (e *Engine) relationalHealth(ctx context.Context) AdapterHealth {
	timeout := e.cfg.Relational.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	_, err := e.materials.Count(probeCtx, "")
	latency := time.Since(start)
	if err != nil {
		return AdapterHealth{
			Status:    "unhealthy",
			LatencyMs: latency.Milliseconds(),
			Extra:     map[string]string{"error": err.Error()},
		}
	}
	return AdapterHealth{Status: "healthy", LatencyMs: latency.Milliseconds()}
}
