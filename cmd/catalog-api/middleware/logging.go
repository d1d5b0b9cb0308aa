package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/stroyka-ai/material-catalog/internal/observability"
)

// RequestLogger logs one structured line per request with latency and
// status, skipping excluded paths. Sensitive query parameters are
// masked before logging.
func RequestLogger(logger *observability.Logger, masker *observability.Masker, excludePaths []string) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(excludePaths))
	for _, p := range excludePaths {
		excluded[p] = true
	}
	if masker == nil {
		masker = observability.NewMasker(nil)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			query := r.URL.Query()
			for key := range query {
				if masker.IsSensitive(key) {
					query.Set(key, "***")
				}
			}

			evt := logger.WithContext(r.Context()).Info()
			if ww.Status() >= http.StatusInternalServerError {
				evt = logger.WithContext(r.Context()).Error()
			}
			evt.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("query", query.Encode()).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("request")
		})
	}
}
