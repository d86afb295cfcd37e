package handlers

import (
	"net/http"

	"entity-hierarchy-engine/models"
	"entity-hierarchy-engine/services"

	"github.com/gorilla/mux"
)

// AdminHandler serves operational endpoints: refresh triggers, tier stats,
// health and metrics
type AdminHandler struct {
	container *services.ServiceContainer
	logger    services.Logger
}

// NewAdminHandler creates an admin handler
func NewAdminHandler(container *services.ServiceContainer) *AdminHandler {
	return &AdminHandler{
		container: container,
		logger:    container.Logger.With(services.String("component", "admin_handler")),
	}
}

// RefreshResponse is the body of a refresh trigger
type RefreshResponse struct {
	Kind   string               `json:"kind"`
	Status models.RefreshStatus `json:"status"`
}

// TriggerRefresh handles POST /aggregates/{kind}/refresh. Contention returns
// 202 with already_in_progress: someone is doing the work, the trigger
// succeeded in the only sense that matters.
func (h *AdminHandler) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	kind := models.AggregateKind(mux.Vars(r)["kind"])

	status, err := h.container.Resolver.TriggerRefresh(r.Context(), kind)
	if err != nil {
		respondError(w, err)
		return
	}

	code := http.StatusAccepted
	if status == models.RefreshAlreadyInProgress {
		h.logger.Info("refresh trigger absorbed by running refresh", services.String("kind", string(kind)))
	}
	respondJSON(w, code, RefreshResponse{Kind: string(kind), Status: status})
}

// GetAggregateStats handles GET /aggregates
func (h *AdminHandler) GetAggregateStats(w http.ResponseWriter, r *http.Request) {
	storeStats, err := h.container.AggStore.Stats(r.Context(), h.container.Resolver.Partition())
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"states":  h.container.Manager.GetStats(),
		"records": storeStats,
	})
}

// GetCacheStats handles GET /cache/stats
func (h *AdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"local":     h.container.LocalCache.GetStats(),
		"tier_hits": h.container.Metrics.TierHitRates(),
	})
}

// GetMetrics handles GET /metrics
func (h *AdminHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.container.Metrics.GetMetrics())
}

// GetHealth handles GET /health
func (h *AdminHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := h.container.Health.CheckHealth(r.Context())

	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, status)
}

// GetAlerts handles GET /alerts
func (h *AdminHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	if h.container.Monitor == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"healthy": h.container.Monitor.IsHealthy(),
		"alerts":  h.container.Monitor.GetAlerts(),
		"pool":    h.container.Postgres.Stats(),
	})
}
