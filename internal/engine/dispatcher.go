package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/poscloud/webhook-engine/internal/domain"
)

// WebhookFinder resolves the active webhooks of a tenant subscribed to an
// event type.
type WebhookFinder interface {
	FindSubscribed(ctx context.Context, tenantID, eventType string) ([]domain.Webhook, error)
}

// DeliveryCreator persists a new delivery record.
type DeliveryCreator interface {
	CreateDelivery(ctx context.Context, d *domain.Delivery) error
}

// Dispatcher is the entry point for business-event producers. It fans an
// event out into one pending delivery per subscribed active webhook and
// queues each for immediate delivery.
type Dispatcher struct {
	webhooks   WebhookFinder
	deliveries DeliveryCreator
	queue      *Queue
	logger     *slog.Logger
	now        func() time.Time
}

func NewDispatcher(webhooks WebhookFinder, deliveries DeliveryCreator, queue *Queue, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		webhooks:   webhooks,
		deliveries: deliveries,
		queue:      queue,
		logger:     logger,
		now:        time.Now,
	}
}

// TriggerEvent creates one delivery record per active webhook of the tenant
// subscribed to eventType and schedules each for immediate delivery. It
// returns the number of webhooks triggered (0 if none subscribed).
//
// Delivery failures never surface here; the only error paths are local
// infrastructure faults (persisting the records, reaching the queue).
func (dp *Dispatcher) TriggerEvent(ctx context.Context, eventType, eventID string, data json.RawMessage, tenantID string) (int, error) {
	hooks, err := dp.webhooks.FindSubscribed(ctx, tenantID, eventType)
	if err != nil {
		return 0, fmt.Errorf("finding subscribed webhooks: %w", err)
	}
	if len(hooks) == 0 {
		dp.logger.Info("no subscribed webhooks",
			"tenant_id", tenantID,
			"event_type", eventType,
			"event_id", eventID,
		)
		return 0, nil
	}

	now := dp.now()
	payload, err := domain.EncodeEnvelope(eventType, eventID, tenantID, data, now)
	if err != nil {
		return 0, err
	}

	ids := make([]string, 0, len(hooks))
	for _, hook := range hooks {
		delivery := &domain.Delivery{
			ID:          uuid.NewString(),
			WebhookID:   hook.ID,
			EventType:   eventType,
			EventID:     eventID,
			Payload:     payload,
			Status:      domain.StatusPending,
			MaxAttempts: domain.MaxAttempts,
			CreatedAt:   now,
		}
		if err := dp.deliveries.CreateDelivery(ctx, delivery); err != nil {
			return len(ids), fmt.Errorf("creating delivery for webhook %s: %w", hook.ID, err)
		}
		ids = append(ids, delivery.ID)
	}

	if err := dp.queue.EnqueueBatch(ctx, ids, now); err != nil {
		// Records exist; they surface through the management plane even if
		// the queue is unreachable right now.
		return len(ids), err
	}

	dp.logger.Info("event dispatched",
		"tenant_id", tenantID,
		"event_type", eventType,
		"event_id", eventID,
		"webhooks_triggered", len(ids),
	)
	return len(ids), nil
}
