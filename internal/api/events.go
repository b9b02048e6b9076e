package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/poscloud/webhook-engine/internal/engine"
)

// EventHandler exposes the dispatcher entry point to business-logic
// producers.
type EventHandler struct {
	dispatcher *engine.Dispatcher
}

func NewEventHandler(d *engine.Dispatcher) *EventHandler {
	return &EventHandler{dispatcher: d}
}

type triggerEventRequest struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Data      json.RawMessage `json:"data"`
}

type triggerEventResponse struct {
	EventID           string `json:"event_id"`
	EventType         string `json:"event_type"`
	WebhooksTriggered int    `json:"webhooks_triggered"`
}

func (h *EventHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		respondError(w, http.StatusBadRequest, "data must be valid JSON")
		return
	}

	triggered, err := h.dispatcher.TriggerEvent(r.Context(), req.EventType, req.EventID, req.Data, req.TenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to dispatch event")
		return
	}

	respondJSON(w, http.StatusCreated, triggerEventResponse{
		EventID:           req.EventID,
		EventType:         req.EventType,
		WebhooksTriggered: triggered,
	})
}
