// Package alert raises operator notifications when a webhook keeps failing.
// An alert fires exactly once per threshold crossing (3, 5, 10 consecutive
// failures); the atomic failure counter guarantees each crossing value is
// observed by exactly one caller.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poscloud/webhook-engine/internal/domain"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one operator-facing message about a failing webhook.
type Notification struct {
	Recipient  string   `json:"recipient"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Severity   Severity `json:"severity"`
	WebhookID  string   `json:"webhook_id"`
	TenantID   string   `json:"tenant_id"`
	DeliveryID string   `json:"delivery_id,omitempty"`
	Failures   int      `json:"consecutive_failures"`
}

// Notifier is the delivery channel for notifications. How recipients map to
// people (email, in-app inbox, pager) is the sink's concern.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// RecipientResolver maps a webhook to its notification recipients.
type RecipientResolver interface {
	Resolve(ctx context.Context, webhook *domain.Webhook) ([]string, error)
}

// TenantRecipientResolver addresses notifications to the owning tenant's
// operator contact.
type TenantRecipientResolver struct{}

func (TenantRecipientResolver) Resolve(_ context.Context, webhook *domain.Webhook) ([]string, error) {
	return []string{"tenant:" + webhook.TenantID}, nil
}

// Alerter fans threshold notifications out to every configured sink.
type Alerter struct {
	resolver  RecipientResolver
	notifiers []Notifier
	logger    *slog.Logger
}

func NewAlerter(resolver RecipientResolver, logger *slog.Logger, notifiers ...Notifier) *Alerter {
	return &Alerter{
		resolver:  resolver,
		notifiers: notifiers,
		logger:    logger,
	}
}

// ThresholdReached builds and delivers the alert for a webhook that just hit
// an alert threshold. The failures argument must be the counter value
// returned by the failure recording, not a re-read.
func (a *Alerter) ThresholdReached(ctx context.Context, webhook *domain.Webhook, delivery *domain.Delivery, failures int) {
	if !domain.ShouldAlert(failures) {
		return
	}

	n := BuildNotification(webhook, failures)
	if delivery != nil {
		n.DeliveryID = delivery.ID
	}

	recipients, err := a.resolver.Resolve(ctx, webhook)
	if err != nil {
		a.logger.Error("failed to resolve alert recipients",
			"error", err, "webhook_id", webhook.ID)
		return
	}

	for _, recipient := range recipients {
		n.Recipient = recipient
		for _, notifier := range a.notifiers {
			if err := notifier.Notify(ctx, n); err != nil {
				a.logger.Error("failed to deliver alert",
					"error", err,
					"webhook_id", webhook.ID,
					"recipient", recipient,
				)
			}
		}
	}
}

// BuildNotification maps a threshold value to its message. Severity text
// escalates: informational at 3, warning at 5, "automatically disabled" at
// 10 (the counter update has already deactivated the webhook by then).
func BuildNotification(webhook *domain.Webhook, failures int) Notification {
	n := Notification{
		WebhookID: webhook.ID,
		TenantID:  webhook.TenantID,
		Failures:  failures,
	}

	switch {
	case failures >= domain.AutoDisableThreshold:
		n.Severity = SeverityCritical
		n.Title = fmt.Sprintf("Webhook %q automatically disabled", webhook.Name)
		n.Body = fmt.Sprintf(
			"Webhook %q (%s) failed %d consecutive deliveries and has been automatically disabled. Re-enable it after fixing the endpoint.",
			webhook.Name, webhook.URL, failures)
	case failures >= 5:
		n.Severity = SeverityWarning
		n.Title = fmt.Sprintf("Webhook %q failing repeatedly", webhook.Name)
		n.Body = fmt.Sprintf(
			"Webhook %q (%s) has failed %d consecutive deliveries. It will be disabled automatically after %d.",
			webhook.Name, webhook.URL, failures, domain.AutoDisableThreshold)
	default:
		n.Severity = SeverityInfo
		n.Title = fmt.Sprintf("Webhook %q is failing", webhook.Name)
		n.Body = fmt.Sprintf(
			"Webhook %q (%s) has failed %d consecutive deliveries. Retries are in progress.",
			webhook.Name, webhook.URL, failures)
	}

	return n
}

// LogNotifier writes notifications to the service log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	l.Logger.Warn("webhook failure alert",
		"severity", string(n.Severity),
		"recipient", n.Recipient,
		"title", n.Title,
		"webhook_id", n.WebhookID,
		"tenant_id", n.TenantID,
		"consecutive_failures", n.Failures,
	)
	return nil
}
