/**
 * @description
 * HTTP router for the payment service. It exposes the command API (members,
 * charges, payouts, account registrations) and the member view queries under
 * /payments, behind service authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS handling for browser based back-office tools.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the settings the router needs from the service config.
type RouterConfig struct {
	InternalAPIKey   string
	ServiceJWTSecret string
	AllowedOrigins   []string
}

// NewRouter creates a new Chi router and registers the payment routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/payments", func(r chi.Router) {
		r.Use(ServiceAuthMiddleware(cfg.InternalAPIKey, cfg.ServiceJWTSecret))

		r.Post("/members", h.CreateMemberHandler)
		r.Route("/members/{memberID}", func(r chi.Router) {
			r.Get("/", h.GetMemberHandler)
			r.Post("/charges", h.ChargeMemberHandler)
			r.Post("/payouts", h.PayoutMemberHandler)
			r.Put("/trustly-account", h.UpdateTrustlyAccountHandler)
			r.Put("/adyen-payout-account", h.UpdateAdyenPayoutAccountHandler)
			r.Get("/transactions/{transactionID}", h.GetTransactionHandler)
		})

		r.Post("/admin/projections/member/reset", h.ResetMemberViewHandler)
	})

	return r
}
