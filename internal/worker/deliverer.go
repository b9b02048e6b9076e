package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/poscloud/webhook-engine/internal/domain"
	"github.com/poscloud/webhook-engine/internal/engine"
	ws "github.com/poscloud/webhook-engine/internal/websocket"
)

const (
	requestTimeout = 30 * time.Second
	userAgent      = "PosCloud-Webhook/1.0"

	// A rate-limited delivery is pushed back this far without consuming
	// an attempt.
	rateLimitDeferral = time.Second
)

// Store is what a delivery attempt needs from persistence.
type Store interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	UpdateDeliveryOutcome(ctx context.Context, d *domain.Delivery) error
	GetWebhook(ctx context.Context, id string) (*domain.Webhook, error)
	RecordSuccess(ctx context.Context, webhookID string) error
	RecordFailure(ctx context.Context, webhookID string) (int, bool, error)
}

// Scheduler enqueues a future invocation of the worker for a delivery ID.
type Scheduler interface {
	Enqueue(ctx context.Context, deliveryID string, at time.Time) error
}

// RateLimiter gates delivery throughput per webhook.
type RateLimiter interface {
	Allow(ctx context.Context, webhookID string, limit int) bool
}

// Alerter is notified when a webhook crosses a failure threshold.
type Alerter interface {
	ThresholdReached(ctx context.Context, webhook *domain.Webhook, delivery *domain.Delivery, failures int)
}

// Outcome is the caller-visible result of one Deliver invocation.
type Outcome struct {
	Status     string `json:"status"` // "success", "failed", "deferred", "skipped"
	StatusCode *int   `json:"status_code,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	CanRetry   bool   `json:"can_retry"`
}

// Deliverer performs exactly one HTTP delivery attempt per Deliver call.
// All dependencies are injected so attempts are deterministic under test.
type Deliverer struct {
	httpClient  *http.Client
	store       Store
	scheduler   Scheduler
	rateLimiter RateLimiter
	alerter     Alerter
	hub         *ws.Hub
	logger      *slog.Logger
	now         func() time.Time
}

/// NewDeliverer builds a deliverer with the production HTTP client: 30s
// timeout, redirects not followed (a redirect counts as a non-2xx failure).
func NewDeliverer(store Store, scheduler Scheduler, rl RateLimiter, alerter Alerter, hub *ws.Hub, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:       store,
		scheduler:   scheduler,
		rateLimiter: rl,
		alerter:     alerter,
		hub:         hub,
		logger:      logger,
		now:         time.Now,
	}
}

// Deliver performs one delivery attempt for the given delivery ID. It is
// safe to invoke concurrently for different IDs and safe to replay for the
// same ID: the record's own state drives attempt counting, and terminal
// records are skipped without mutation.
func (dl *Deliverer) Deliver(ctx context.Context, deliveryID string) Outcome {
	delivery, err := dl.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		dl.logger.Error("failed to load delivery", "error", err, "delivery_id", deliveryID)
		return Outcome{Status: "failed", Error: fmt.Sprintf("loading delivery: %v", err)}
	}
	if delivery == nil {
		dl.logger.Warn("delivery not found", "delivery_id", deliveryID)
		return Outcome{Status: "failed", Error: "delivery not found"}
	}
	if delivery.IsTerminal() {
		// Scheduler redelivery of an already-settled record.
		dl.logger.Debug("delivery already terminal, skipping",
			"delivery_id", delivery.ID, "status", delivery.Status)
		return Outcome{Status: "skipped"}
	}

	webhook, err := dl.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		dl.logger.Error("failed to load webhook", "error", err,
			"delivery_id", delivery.ID, "webhook_id", delivery.WebhookID)
		return Outcome{Status: "failed", Error: fmt.Sprintf("loading webhook: %v", err)}
	}

	// A deactivated (or deleted) webhook fails the delivery terminally and
	// must not count against its own failure counters.
	if webhook == nil || !webhook.IsActive {
		reason := "Webhook is deactivated"
		if webhook == nil {
			reason = "Webhook no longer exists"
		}
		delivery.MarkDead(reason, dl.now())
		if err := dl.store.UpdateDeliveryOutcome(ctx, delivery); err != nil {
			dl.logger.Error("failed to persist dead delivery", "error", err, "delivery_id", delivery.ID)
		}
		dl.broadcast(delivery, reason)
		return Outcome{Status: "failed", Error: reason, CanRetry: false}
	}

	if dl.rateLimiter != nil && !dl.rateLimiter.Allow(ctx, webhook.ID, webhook.RateLimitPerSecond) {
		// Deferral is not an attempt: push the delivery back and leave all
		// state untouched.
		if err := dl.scheduler.Enqueue(ctx, delivery.ID, dl.now().Add(rateLimitDeferral)); err != nil {
			dl.logger.Error("failed to defer rate-limited delivery", "error", err, "delivery_id", delivery.ID)
		}
		return Outcome{Status: "deferred", CanRetry: true}
	}

	res, failMsg := dl.attempt(ctx, webhook, delivery)

	if failMsg == "" {
		return dl.handleSuccess(ctx, webhook, delivery, res)
	}
	return dl.handleFailure(ctx, webhook, delivery, res, failMsg)
}

// attempt executes the HTTP POST and classifies the response. It returns
// the attempt result and, for failures, a descriptive message.
func (dl *Deliverer) attempt(ctx context.Context, webhook *domain.Webhook, delivery *domain.Delivery) (domain.AttemptResult, string) {
	body := []byte(delivery.Payload)
	sentAt := dl.now()

	res := domain.AttemptResult{SentAt: sentAt}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return res, fmt.Sprintf("Request failed: %v", err)
	}

	// The signature covers the exact bytes on the wire; receivers verify
	// against the raw body they read.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Signature", engine.Sign(webhook.Secret, body))
	req.Header.Set("X-Webhook-Event", delivery.EventType)
	req.Header.Set("X-Webhook-Delivery", delivery.ID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(sentAt.Unix(), 10))

	resp, err := dl.httpClient.Do(req)
	res.DurationMs = dl.now().Sub(sentAt).Milliseconds()
	if err != nil {
		if isTimeout(err) {
			return res, "Request timed out after 30 seconds"
		}
		return res, fmt.Sprintf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxResponseBodyBytes))
	res.StatusCode = &resp.StatusCode
	res.Body = string(raw)
	res.Headers = flattenHeaders(resp.Header)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return res, ""
	}
	// Redirects are not followed, so 3xx lands here with every other
	// non-2xx status.
	return res, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, res.Body)
}

func (dl *Deliverer) handleSuccess(ctx context.Context, webhook *domain.Webhook, delivery *domain.Delivery, res domain.AttemptResult) Outcome {
	delivery.MarkSuccess(res, dl.now())
	if err := dl.store.UpdateDeliveryOutcome(ctx, delivery); err != nil {
		dl.logger.Error("failed to persist delivery success", "error", err, "delivery_id", delivery.ID)
	}
	if err := dl.store.RecordSuccess(ctx, webhook.ID); err != nil {
		dl.logger.Error("failed to record webhook success", "error", err, "webhook_id", webhook.ID)
	}

	dl.logger.Info("delivery successful",
		"delivery_id", delivery.ID,
		"webhook_id", webhook.ID,
		"event_type", delivery.EventType,
		"attempt", delivery.AttemptCount,
		"status_code", res.StatusCode,
		"duration_ms", res.DurationMs,
	)
	dl.broadcast(delivery, "")

	return Outcome{Status: "success", StatusCode: res.StatusCode, DurationMs: res.DurationMs}
}

func (dl *Deliverer) handleFailure(ctx context.Context, webhook *domain.Webhook, delivery *domain.Delivery, res domain.AttemptResult, failMsg string) Outcome {
	now := dl.now()
	nextRetryAt := now.Add(engine.RetryDelay(delivery.AttemptCount + 1))
	delivery.MarkFailed(failMsg, res, nextRetryAt, now)
	if err := dl.store.UpdateDeliveryOutcome(ctx, delivery); err != nil {
		dl.logger.Error("failed to persist delivery failure", "error", err, "delivery_id", delivery.ID)
	}

	// Ordering matters: counter update, then alert check, then retry
	// scheduling.
	failures, stillActive, err := dl.store.RecordFailure(ctx, webhook.ID)
	if err != nil {
		dl.logger.Error("failed to record webhook failure", "error", err, "webhook_id", webhook.ID)
	} else if dl.alerter != nil && domain.ShouldAlert(failures) {
		webhook.ConsecutiveFailures = failures
		webhook.IsActive = stillActive
		go dl.alerter.ThresholdReached(context.WithoutCancel(ctx), webhook, delivery, failures)
	}

	if delivery.Status == domain.StatusRetrying {
		if err := dl.scheduler.Enqueue(ctx, delivery.ID, *delivery.NextRetryAt); err != nil {
			// The periodic sweep will still pick this delivery up.
			dl.logger.Error("failed to schedule retry", "error", err, "delivery_id", delivery.ID)
		}
	}

	dl.logger.Warn("delivery failed",
		"delivery_id", delivery.ID,
		"webhook_id", webhook.ID,
		"event_type", delivery.EventType,
		"attempt", delivery.AttemptCount,
		"status_code", res.StatusCode,
		"duration_ms", res.DurationMs,
		"error", failMsg,
		"can_retry", delivery.CanRetry(),
	)
	dl.broadcast(delivery, failMsg)

	return Outcome{
		Status:     "failed",
		StatusCode: res.StatusCode,
		DurationMs: res.DurationMs,
		Error:      failMsg,
		CanRetry:   delivery.CanRetry(),
	}
}

func (dl *Deliverer) broadcast(delivery *domain.Delivery, errMsg string) {
	if dl.hub == nil {
		return
	}
	var duration int64
	if delivery.DurationMs != nil {
		duration = *delivery.DurationMs
	}
	dl.hub.BroadcastDelivery(ws.DeliveryEvent{
		DeliveryID: delivery.ID,
		WebhookID:  delivery.WebhookID,
		EventType:  delivery.EventType,
		Status:     delivery.Status,
		Attempt:    delivery.AttemptCount,
		StatusCode: delivery.ResponseStatusCode,
		DurationMs: duration,
		Error:      errMsg,
		Timestamp:  dl.now(),
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
