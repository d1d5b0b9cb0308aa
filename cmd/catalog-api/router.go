package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/stroyka-ai/material-catalog/cmd/catalog-api/handlers"
	"github.com/stroyka-ai/material-catalog/cmd/catalog-api/middleware"
	"github.com/stroyka-ai/material-catalog/internal/config"
	"github.com/stroyka-ai/material-catalog/internal/fabric"
	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/pkg/engine"
)

// newRouter assembles the HTTP surface. Global middleware handles
// recovery, correlation, and request logging; body caching applies per
// route group so the ingest upload limit can differ from the JSON API
// limit.
func newRouter(cfg *config.Config, eng *engine.Engine, logger *observability.Logger, version string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Correlation(cfg.Correlation.Header))
	r.Use(middleware.RequestLogger(logger, observability.NewMasker(cfg.Log.SensitiveFields), cfg.Log.ExcludePaths))
	r.Use(chimiddleware.Timeout(cfg.Server.RequestTimeout))

	materials := handlers.NewMaterialHandler(eng, logger)
	searchH := handlers.NewSearchHandler(eng, logger)
	ingest := handlers.NewIngestionHandler(eng, logger, cfg.Ingest.MaxUploadBytes)
	reference := handlers.NewReferenceHandler(eng, logger)
	processing := handlers.NewProcessingHandler(eng, logger)
	health := handlers.NewHealthHandler(eng, logger, version)

	r.Get("/health", health.Basic)
	r.Get("/health/detailed", health.Detailed)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(fabric.CachedBody(cfg.HTTP.MaxBodyBytes))

			r.Route("/materials", func(r chi.Router) {
				r.Post("/", materials.Create)
				r.Get("/", materials.List)
				r.Post("/batch", materials.BulkCreate)
				r.Get("/{id}", materials.Get)
				r.Put("/{id}", materials.Update)
				r.Delete("/{id}", materials.Delete)
			})

			r.Get("/search", searchH.Simple)
			r.Post("/search", searchH.Full)
			r.Get("/search/suggestions", searchH.Suggestions)

			r.Route("/categories", func(r chi.Router) {
				r.Post("/", reference.CreateCategory)
				r.Get("/", reference.ListCategories)
				r.Delete("/{id}", reference.DeleteCategory)
			})
			r.Route("/units", func(r chi.Router) {
				r.Post("/", reference.CreateUnit)
				r.Get("/", reference.ListUnits)
				r.Delete("/{id}", reference.DeleteUnit)
			})
			r.Route("/reference/{collection}", func(r chi.Router) {
				r.Post("/", reference.AddEntry)
				r.Get("/", reference.ListEntries)
				r.Get("/resolve", reference.Resolve)
				r.Delete("/{id}", reference.DeleteEntry)
			})

			r.Route("/processing", func(r chi.Router) {
				r.Post("/", processing.Submit)
				r.Get("/statistics", processing.Statistics)
				r.Post("/cleanup", processing.Cleanup)
				r.Get("/{id}", processing.Status)
				r.Get("/{id}/results", processing.Results)
				r.Post("/{id}/retry", processing.Retry)
				r.Post("/{id}/cancel", processing.Cancel)
			})
		})

		// Uploads bypass the JSON body cache; multipart streams are
		// size-limited inside the handler instead.
		r.Post("/ingest", ingest.Ingest)
	})

	return r
}
