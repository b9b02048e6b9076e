package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/poscloud/webhook-engine/internal/engine"
	"github.com/poscloud/webhook-engine/internal/store"
	ws "github.com/poscloud/webhook-engine/internal/websocket"
)

// NewRouter creates and configures the management-plane HTTP router.
func NewRouter(pgStore *store.PostgresStore, dispatcher *engine.Dispatcher, queue *engine.Queue, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for dashboard
	r.Use(corsMiddleware)

	// Handlers
	webhookHandler := NewWebhookHandler(pgStore)
	eventHandler := NewEventHandler(dispatcher)
	deliveryHandler := NewDeliveryHandler(pgStore)
	dashHandler := NewDashboardHandler(pgStore, queue, hub)

	// WebSocket ops feed
	r.Get("/ws", hub.HandleWebSocket)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", webhookHandler.Create)
			r.Get("/", webhookHandler.List)
			r.Get("/{id}", webhookHandler.Get)
			r.Patch("/{id}", webhookHandler.Update)
			r.Delete("/{id}", webhookHandler.Delete)
			r.Post("/{id}/activate", webhookHandler.Activate)
			r.Post("/{id}/deactivate", webhookHandler.Deactivate)
			r.Post("/{id}/rotate-secret", webhookHandler.RotateSecret)
		})

		r.Post("/events", eventHandler.Trigger)

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
		})

		r.Get("/metrics", dashHandler.Metrics)
		r.Get("/webhooks-health", dashHandler.WebhookHealth)
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
