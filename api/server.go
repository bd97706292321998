/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client IP behind proxies
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. requestLogger: Structured access log via zerolog
  5. CORS:       Cross-origin requests for the dashboard

ROUTE NAMING:
  Paths and query parameters follow the legacy dashboard contract
  (/purchase, /pointchange, /productpurchased, ...). Existing clients
  depend on them.

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// Ledger
	r.Post("/pointchange", h.CreatePointChange)
	r.Get("/pointchanges", h.ListPointChanges)
	r.Get("/balance", h.GetBalance)

	// Settlement
	r.Post("/settle", h.Settle)

	// Purchases
	r.Post("/purchase", h.CreatePurchase)
	r.Post("/productpurchased", h.AddLineItem)
	r.Get("/purchases", h.ListPurchases)
	r.Get("/purchase_count", h.CountPurchases)
	r.Get("/purchase/{id}", h.GetPurchase)

	// Reports
	r.Route("/reports", func(r chi.Router) {
		r.Get("/total_purchases", h.TotalPurchases)
		r.Get("/purchases_by_month", h.PurchasesByMonth)
		r.Get("/averages", h.Averages)
	})

	// Reconciliation
	r.Route("/reconciliation", func(r chi.Router) {
		r.Get("/runs", h.ListReconcileRuns)
		r.Post("/sweep", h.TriggerSweep)
	})

	// Operations
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestLogger emits one structured log line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(started)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
