/**
 * @description
 * This file sets up the HTTP router for the payment-service using chi. Public
 * payment routes require a valid bearer token; the operator compensation
 * routes require the internal API key instead.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds the dependencies and settings for the router.
type RouterConfig struct {
	Handlers       *Handlers
	JWKSURL        string
	InternalAPIKey string
	AllowedOrigins []string
}

// NewRouter creates and configures the chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-Api-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/payments", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.JWKSURL))
			r.Post("/purchase", cfg.Handlers.HandlePurchase)
			r.Get("/methods/{accountID}", cfg.Handlers.HandleListPaymentMethods)
			r.Get("/grants/{token}", cfg.Handlers.HandleGetGrantByToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(InternalKeyMiddleware(cfg.InternalAPIKey))
			r.Get("/compensations", cfg.Handlers.HandleListCompensations)
		})
	})

	return r
}
