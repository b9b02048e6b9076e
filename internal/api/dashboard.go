package api

import (
	"net/http"

	"github.com/poscloud/webhook-engine/internal/domain"
	"github.com/poscloud/webhook-engine/internal/engine"
	"github.com/poscloud/webhook-engine/internal/store"
	ws "github.com/poscloud/webhook-engine/internal/websocket"
)

type DashboardHandler struct {
	store *store.PostgresStore
	queue *engine.Queue
	hub   *ws.Hub
}

func NewDashboardHandler(s *store.PostgresStore, q *engine.Queue, hub *ws.Hub) *DashboardHandler {
	return &DashboardHandler{store: s, queue: q, hub: hub}
}

// Metrics returns aggregated delivery metrics plus live queue depth.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.GetDeliveryMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	queueDepth, err := h.queue.Depth(r.Context())
	if err != nil {
		queueDepth = 0
	}

	type metricsResponse struct {
		store.DeliveryMetrics
		QueueDepth       int64 `json:"queue_depth"`
		WebSocketClients int   `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		DeliveryMetrics:  *metrics,
		QueueDepth:       queueDepth,
		WebSocketClients: h.hub.ClientCount(),
	})
}

// WebhookHealth lists a tenant's webhooks with their failure-tracking state.
func (h *DashboardHandler) WebhookHealth(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	webhooks, err := h.store.ListWebhooks(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}

	type webhookHealth struct {
		ID                  string `json:"id"`
		Name                string `json:"name"`
		URL                 string `json:"url"`
		IsActive            bool   `json:"is_active"`
		ConsecutiveFailures int    `json:"consecutive_failures"`
		AutoDisabled        bool   `json:"auto_disabled"`
	}

	result := make([]webhookHealth, 0, len(webhooks))
	for _, wh := range webhooks {
		result = append(result, webhookHealth{
			ID:                  wh.ID,
			Name:                wh.Name,
			URL:                 wh.URL,
			IsActive:            wh.IsActive,
			ConsecutiveFailures: wh.ConsecutiveFailures,
			AutoDisabled:        !wh.IsActive && wh.ConsecutiveFailures >= domain.AutoDisableThreshold,
		})
	}

	respondJSON(w, http.StatusOK, result)
}
