package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/drfirst/go-rxverify/pkg/circuitbreaker"
)

// Check reports whether one dependency is usable
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	breakers *circuitbreaker.Manager
	checks   map[string]Check
	version  string
}

// NewHealthHandler creates a health handler. checks run on /ready only.
func NewHealthHandler(breakers *circuitbreaker.Manager, checks map[string]Check, version string) *HealthHandler {
	if checks == nil {
		checks = map[string]Check{}
	}
	return &HealthHandler{breakers: breakers, checks: checks, version: version}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string                        `json:"status"`
	Version  string                        `json:"version"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers"`
}

// Health handles GET /health. An open breaker degrades the status but the
// process stays live: verification falls back to unverified verdicts.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Version: h.version, Breakers: []circuitbreaker.HealthStatus{}}
	if h.breakers != nil {
		resp.Breakers = h.breakers.GetHealthStatus()
		sort.Slice(resp.Breakers, func(i, j int) bool { return resp.Breakers[i].Name < resp.Breakers[j].Name })
	}
	for _, b := range resp.Breakers {
		if !b.Healthy {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
