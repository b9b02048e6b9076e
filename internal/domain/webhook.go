package domain

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// AutoDisableThreshold is the consecutive-failure count at which a webhook
// is forcibly deactivated. It stays inactive until an operator re-enables it.
const AutoDisableThreshold = 10

// AlertThresholds are the consecutive-failure counts that trigger an
// operator alert: informational at 3, warning at 5, auto-disable at 10.
var AlertThresholds = []int{3, 5, AutoDisableThreshold}

// Webhook is a tenant's subscription to one or more event types.
type Webhook struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	Description         string     `json:"description,omitempty"`
	EventTypes          []string   `json:"event_types"`
	Secret              string     `json:"secret,omitempty"`
	IsActive            bool       `json:"is_active"`
	RateLimitPerSecond  int        `json:"rate_limit_per_second"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsSubscribed reports whether the webhook subscribes to the given event type.
func (w *Webhook) IsSubscribed(eventType string) bool {
	for _, et := range w.EventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}

// ShouldAlert reports whether the given consecutive-failure count is one of
// the alert thresholds. Intermediate counts never alert.
func ShouldAlert(consecutiveFailures int) bool {
	for _, t := range AlertThresholds {
		if consecutiveFailures == t {
			return true
		}
	}
	return false
}

// NormalizeEventTypes collapses duplicates and sorts the event type set.
// Order is irrelevant to subscription matching; sorting keeps storage stable.
func NormalizeEventTypes(eventTypes []string) []string {
	seen := make(map[string]struct{}, len(eventTypes))
	out := make([]string, 0, len(eventTypes))
	for _, et := range eventTypes {
		if et == "" {
			continue
		}
		if _, ok := seen[et]; ok {
			continue
		}
		seen[et] = struct{}{}
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}

// ValidateTargetURL checks that the webhook target is an absolute http or
// https URL with a host.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url is missing a host")
	}
	return nil
}

type CreateWebhookRequest struct {
	TenantID    string   `json:"tenant_id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Description string   `json:"description,omitempty"`
	EventTypes  []string `json:"event_types"`
	Secret      string   `json:"secret,omitempty"`

	RateLimitPerSecond int `json:"rate_limit_per_second,omitempty"`
}

type UpdateWebhookRequest struct {
	Name               *string   `json:"name,omitempty"`
	URL                *string   `json:"url,omitempty"`
	Description        *string   `json:"description,omitempty"`
	EventTypes         *[]string `json:"event_types,omitempty"`
	IsActive           *bool     `json:"is_active,omitempty"`
	RateLimitPerSecond *int      `json:"rate_limit_per_second,omitempty"`
}

// CreateWebhookResponse is the only place the secret is returned in full.
type CreateWebhookResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret string `json:"secret"`
}
