package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/poscloud/webhook-engine/internal/domain"
	"github.com/poscloud/webhook-engine/internal/store"
)

type DeliveryHandler struct {
	store *store.PostgresStore
}

func NewDeliveryHandler(s *store.PostgresStore) *DeliveryHandler {
	return &DeliveryHandler{store: s}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.DeliveryFilter{
		WebhookID: r.URL.Query().Get("webhook_id"),
		EventID:   r.URL.Query().Get("event_id"),
		Status:    r.URL.Query().Get("status"),
		Limit:     50,
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, deliveries)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	delivery, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if delivery == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}

	// Operators see exactly how many attempts remain and when the next fires.
	type deliveryDetail struct {
		domain.Delivery
		Retry domain.RetryInfo `json:"retry"`
	}

	respondJSON(w, http.StatusOK, deliveryDetail{
		Delivery: *delivery,
		Retry:    delivery.RetryInfo(),
	})
}
