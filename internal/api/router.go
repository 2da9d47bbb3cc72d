// Package api assembles the HTTP surface of the verification service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxverify/internal/api/handlers"
	"github.com/drfirst/go-rxverify/internal/api/middleware"
	"github.com/drfirst/go-rxverify/internal/observability/metrics"
	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
)

// Deps are the collaborators the router needs
type Deps struct {
	Verifier     handlers.Verifier
	Interactions handlers.InteractionChecker
	Breakers     *circuitbreaker.Manager
	ReadyChecks  map[string]handlers.Check
	Gatherer     prometheus.Gatherer
	APIKeys      []string
	ServiceName  string
	Version      string
	Logger       *zap.Logger
}

// NewRouter builds the chi router
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.ServiceName == "" {
		d.ServiceName = "rxverify"
	}

	health := handlers.NewHealthHandler(d.Breakers, d.ReadyChecks, d.Version)
	verification := handlers.NewVerificationHandler(d.Verifier, d.Interactions, logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(d.ServiceName))

	// Health check (no auth)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Gatherer))
	}

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Mount("/", verification.Routes())
	})

	return r
}
