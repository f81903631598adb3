package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/spherical/libs/order-matcher/cmd/order-matcher-api/handlers"
	"github.com/spherical-ai/spherical/libs/order-matcher/cmd/order-matcher-api/middleware"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/app"
)

// NewRouter creates the main API router with all routes configured.
func NewRouter(a *app.App) http.Handler {
	logger := a.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	if t := a.Config.Server.WriteTimeout; t > 0 {
		r.Use(chimiddleware.Timeout(t))
	}

	// Health check (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"order-matcher"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := a.Ready(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	var lister handlers.SnapshotLister
	if a.Store != nil {
		lister = a.Store
	}

	matchingHandler := handlers.NewMatchingHandler(logger, a.Search, a.Dedup, a.Router, a.Orders, a.Audit)
	dedupHandler := handlers.NewDedupHandler(logger, a.Dedup, a.Embedder, a.Audit)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(middleware.AuthConfig{
			Enabled: a.Config.Auth.Enabled,
			Tokens:  a.Config.Auth.Tokens,
		}))

		r.Post("/search", matchingHandler.Search)
		r.Post("/route", matchingHandler.Route)
		r.Post("/orders/process", matchingHandler.ProcessOrder)

		if a.Queue != nil {
			reviewHandler := handlers.NewReviewHandler(logger, a.Queue, lister, a.Audit)
			r.Route("/reviews", func(r chi.Router) {
				r.Post("/", reviewHandler.Create)
				r.Get("/", reviewHandler.List)
				r.Get("/stats", reviewHandler.Stats)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", reviewHandler.Get)
					r.Post("/assign", reviewHandler.Assign)
					r.Post("/decision", reviewHandler.Decide)
					r.Post("/escalate", reviewHandler.Escalate)
					r.Get("/history", reviewHandler.History)
				})
			})
		}

		r.Route("/dedup", func(r chi.Router) {
			r.Post("/find", dedupHandler.Find)
			r.Post("/remove", dedupHandler.Remove)
			r.Post("/check", dedupHandler.Check)
		})
	})

	return r
}
