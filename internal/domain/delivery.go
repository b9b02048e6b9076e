package domain

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the state of a webhook delivery.
//
// pending → retrying → success | failed. A delivery may also go straight
// from pending to a terminal state (inactive webhook, exhausted budget).
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusRetrying DeliveryStatus = "retrying"
	StatusSuccess  DeliveryStatus = "success"
	StatusFailed   DeliveryStatus = "failed"
)

// MaxAttempts is the delivery attempt budget, fixed across all webhooks.
const MaxAttempts = 5

// MaxResponseBodyBytes caps the stored response body.
const MaxResponseBodyBytes = 10000

// Delivery is one notification attempt lineage for one (webhook, event)
// pair. The payload is immutable once created; retries resend the same
// bytes. Response fields hold the most recent attempt only.
type Delivery struct {
	ID                 string            `json:"id"`
	WebhookID          string            `json:"webhook_id"`
	EventType          string            `json:"event_type"`
	EventID            string            `json:"event_id"`
	Payload            json.RawMessage   `json:"payload"`
	Status             DeliveryStatus    `json:"status"`
	AttemptCount       int               `json:"attempt_count"`
	MaxAttempts        int               `json:"max_attempts"`
	NextRetryAt        *time.Time        `json:"next_retry_at,omitempty"`
	ResponseStatusCode *int              `json:"response_status_code,omitempty"`
	ResponseBody       *string           `json:"response_body,omitempty"`
	ResponseHeaders    map[string]string `json:"response_headers,omitempty"`
	ErrorMessage       *string           `json:"error_message,omitempty"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	DurationMs         *int64            `json:"duration_ms,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// AttemptResult captures the observable outcome of one HTTP attempt.
type AttemptResult struct {
	StatusCode *int
	Body       string
	Headers    map[string]string
	SentAt     time.Time
	DurationMs int64
}

// MarkSuccess transitions the delivery to its terminal success state and
// records the response of the winning attempt.
func (d *Delivery) MarkSuccess(res AttemptResult, now time.Time) {
	d.Status = StatusSuccess
	d.NextRetryAt = nil
	d.applyResult(res)
	d.ErrorMessage = nil
	completed := now
	d.CompletedAt = &completed
}

// MarkFailed consumes one attempt. If budget remains the delivery becomes
// retrying with the caller-computed next retry time; otherwise it is
// terminally failed.
func (d *Delivery) MarkFailed(errMsg string, res AttemptResult, nextRetryAt time.Time, now time.Time) {
	d.AttemptCount++
	d.applyResult(res)
	d.ErrorMessage = &errMsg

	if d.AttemptCount < d.MaxAttempts {
		d.Status = StatusRetrying
		retry := nextRetryAt
		d.NextRetryAt = &retry
		return
	}

	d.Status = StatusFailed
	d.NextRetryAt = nil
	completed := now
	d.CompletedAt = &completed
}

// MarkDead terminally fails the delivery without consuming an attempt.
// Used when the owning webhook is inactive at dispatch or retry time.
func (d *Delivery) MarkDead(errMsg string, now time.Time) {
	d.Status = StatusFailed
	d.NextRetryAt = nil
	d.ErrorMessage = &errMsg
	completed := now
	d.CompletedAt = &completed
}

func (d *Delivery) applyResult(res AttemptResult) {
	d.ResponseStatusCode = res.StatusCode
	if res.Body != "" {
		body := res.Body
		d.ResponseBody = &body
	} else {
		d.ResponseBody = nil
	}
	d.ResponseHeaders = res.Headers
	if !res.SentAt.IsZero() {
		sent := res.SentAt
		d.SentAt = &sent
	}
	duration := res.DurationMs
	d.DurationMs = &duration
}

// CanRetry reports whether another attempt may be made.
func (d *Delivery) CanRetry() bool {
	if d.IsTerminal() {
		return false
	}
	return d.AttemptCount < d.MaxAttempts
}

// IsTerminal reports whether the delivery has reached a final state.
func (d *Delivery) IsTerminal() bool {
	return d.Status == StatusSuccess || d.Status == StatusFailed
}

// RetryInfo is the operator-facing view of remaining retry budget.
type RetryInfo struct {
	AttemptsMade      int        `json:"attempts_made"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
}

// RetryInfo derives how many attempts remain and when the next fires.
func (d *Delivery) RetryInfo() RetryInfo {
	remaining := d.MaxAttempts - d.AttemptCount
	if remaining < 0 || d.IsTerminal() {
		remaining = 0
	}
	return RetryInfo{
		AttemptsMade:      d.AttemptCount,
		AttemptsRemaining: remaining,
		NextRetryAt:       d.NextRetryAt,
	}
}
