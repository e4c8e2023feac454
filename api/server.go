/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator dashboard

ROUTE GROUPS:
  /api/requests/*       Resource requests and complaints
  /api/allocations/*    Allocation lifecycle
  /api/resources/*      Resource counters
  /api/routing          Operator ranking preview
  /api/admin/*          Batch allocation and SLA sweep
  /metrics              Prometheus exposition
  /health               Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures the outer HTTP surface.
type RouterOptions struct {
	CORSOrigins []string
	MetricsPath string
	// Gatherer backs the metrics endpoint. Nil disables it.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health", h.Health)
	if opts.Gatherer != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/requests/{id}", func(r chi.Router) {
			r.Get("/", h.GetRequest)
			r.Get("/suggestions", h.SuggestResources)
			r.Post("/allocate", h.AllocateAuto)
			r.Post("/allocate/manual", h.AllocateManual)
			r.Post("/reject", h.RejectRequest)

			// Complaint lifecycle
			r.Post("/assign", h.AssignComplaint)
			r.Post("/start", h.StartComplaint)
			r.Post("/resolve", h.ResolveComplaint)
		})

		r.Route("/allocations/{id}", func(r chi.Router) {
			r.Get("/", h.GetAllocation)
			r.Post("/cancel", h.CancelAllocation)
			r.Post("/dispatch", h.DispatchAllocation)
			r.Post("/deliver", h.MarkDelivered)
		})

		r.Get("/resources/{id}", h.GetResource)
		r.Get("/routing", h.PreviewRoute)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/allocate-pending", h.AllocatePending)
			r.Post("/sla-sweep", h.RunSLASweep)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route", nil)
	})

	return r
}
