/**
 * @description
 * This file sets up the HTTP router for the collection-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and returns a new router for the collection service.
func NewRouter(h *Handlers, sweepSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Webhook-Signature"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway webhook ingestion; authenticated by signature, not by bearer token.
	r.Post("/webhooks/gocardless", h.WebhookHandler)

	// Charge and admin endpoints. Admin callers are authenticated upstream.
	r.Post("/payments/charge", h.ChargeHandler)
	r.Post("/payments/{id}/adjustments", h.AdjustmentHandler)
	r.Post("/payments/{id}/refunds", h.RefundHandler)

	// Internal endpoints for external schedulers.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(sweepSecret))
		r.Post("/internal/retry-sweep", h.RetrySweepHandler)
	})

	return r
}
