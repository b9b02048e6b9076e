package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/poscloud/webhook-engine/internal/domain"
	"github.com/poscloud/webhook-engine/internal/store"
)

type WebhookHandler struct {
	store *store.PostgresStore
}

func NewWebhookHandler(s *store.PostgresStore) *WebhookHandler {
	return &WebhookHandler{store: s}
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := domain.ValidateTargetURL(req.URL); err != nil {
		respondError(w, http.StatusBadRequest, "invalid url: "+err.Error())
		return
	}
	if len(domain.NormalizeEventTypes(req.EventTypes)) == 0 {
		respondError(w, http.StatusBadRequest, "at least one event_type is required")
		return
	}

	webhook, err := h.store.CreateWebhook(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	// The full secret is returned here and never again.
	respondJSON(w, http.StatusCreated, domain.CreateWebhookResponse{
		ID:     webhook.ID,
		Name:   webhook.Name,
		Secret: webhook.Secret,
	})
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
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

	respondJSON(w, http.StatusOK, webhooks)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	webhook, err := h.store.GetWebhook(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}
	if webhook == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	webhook.Secret = ""
	respondJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req domain.UpdateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL != nil {
		if err := domain.ValidateTargetURL(*req.URL); err != nil {
			respondError(w, http.StatusBadRequest, "invalid url: "+err.Error())
			return
		}
	}
	if req.EventTypes != nil && len(domain.NormalizeEventTypes(*req.EventTypes)) == 0 {
		respondError(w, http.StatusBadRequest, "at least one event_type is required")
		return
	}

	webhook, err := h.store.UpdateWebhook(r.Context(), id, req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	if webhook == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	webhook.Secret = ""
	respondJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := h.store.DeleteWebhook(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Activate re-enables a webhook. This is the only way an auto-disabled
// webhook becomes active again; it also clears the failure counter.
func (h *WebhookHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *WebhookHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *WebhookHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")

	webhook, err := h.store.SetWebhookActive(r.Context(), id, active)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	if webhook == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	webhook.Secret = ""
	respondJSON(w, http.StatusOK, webhook)
}

func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	secret, err := h.store.RotateSecret(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"secret": secret,
	})
}
