// Package middleware provides HTTP middleware for the catalog API.
package middleware

import (
	"net/http"

	"github.com/stroyka-ai/material-catalog/internal/observability"
)

// Correlation propagates the correlation id: reuse the inbound header
// when present, mint one otherwise, and echo it on the response.
func Correlation(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-Correlation-ID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cid := r.Header.Get(header)
			if cid == "" {
				cid = observability.NewCorrelationID()
			}
			ctx := observability.ContextWithCorrelationID(r.Context(), cid)
			w.Header().Set(header, cid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
