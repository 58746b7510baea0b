/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/consignments/*   Tracker operations
  /api/sync/*           Queue state, drain, audit
  /ledger/*             Ledger service (only when this node serves one)
  /records/*            In-process record service (only when mounted)
  /metrics              Prometheus
  /monitoring/*         JSON state and health

SECURITY NOTE:
  The actor is taken from request headers. An authenticating gateway in
  front of this server is expected to set them.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/consignment-ledger/network"
	"github.com/warp/consignment-ledger/record"
)

// RouterOptions selects the optional route groups.
type RouterOptions struct {
	AllowedOrigins []string

	// Records, when set, is served at /records/*.
	Records *record.Memory

	// Registry, when set, is served at /metrics.
	Registry *prometheus.Registry
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/consignments", func(r chi.Router) {
			r.Get("/", h.ListConsignments)
			r.Post("/", h.CreateConsignment)
			r.Get("/{id}", h.GetConsignment)
			r.Get("/{id}/history", h.GetHistory)
			r.Post("/{id}/transitions", h.RequestTransition)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/pending", h.GetPending)
			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/drain", h.TriggerDrain)
			r.Get("/audit", h.Audit)
		})
	})

	// Ledger service routes
	if h.Ledger != nil {
		r.Get(network.HealthPath, h.LedgerHealth)
		r.Get(network.EventsPath, h.GetEvents)
		r.Post(network.EventsPath, h.AppendEvent)
	}

	if opts.Records != nil {
		record.Register(r, opts.Records)
	}

	if h.Monitor != nil {
		r.Get("/monitoring/state", h.Monitor.OnGetState)
		r.Get("/monitoring/health", h.Monitor.OnGetHealth)
	}
	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	return r
}
