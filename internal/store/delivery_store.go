package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/poscloud/webhook-engine/internal/domain"
)

const deliveryColumns = `id, webhook_id, event_type, event_id, payload, status, attempt_count,
	max_attempts, next_retry_at, response_status_code, response_body, response_headers,
	error_message, sent_at, completed_at, duration_ms, created_at`

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var d domain.Delivery
	err := row.Scan(
		&d.ID, &d.WebhookID, &d.EventType, &d.EventID, &d.Payload, &d.Status,
		&d.AttemptCount, &d.MaxAttempts, &d.NextRetryAt,
		&d.ResponseStatusCode, &d.ResponseBody, &d.ResponseHeaders,
		&d.ErrorMessage, &d.SentAt, &d.CompletedAt, &d.DurationMs, &d.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// CreateDelivery inserts a pending delivery record. The payload is stored
// once and never rewritten; retries resend the same bytes.
func (s *PostgresStore) CreateDelivery(ctx context.Context, d *domain.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_type, event_id, payload, status, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.WebhookID, d.EventType, d.EventID, []byte(d.Payload), d.Status, d.MaxAttempts, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return d, nil
}

// UpdateDeliveryOutcome persists the fields an attempt changes: state
// machine fields and the most recent attempt's response. The payload and
// identity columns are never touched.
func (s *PostgresStore) UpdateDeliveryOutcome(ctx context.Context, d *domain.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET
			status = $2,
			attempt_count = $3,
			next_retry_at = $4,
			response_status_code = $5,
			response_body = $6,
			response_headers = $7,
			error_message = $8,
			sent_at = $9,
			completed_at = $10,
			duration_ms = $11
		WHERE id = $1
	`, d.ID, d.Status, d.AttemptCount, d.NextRetryAt,
		d.ResponseStatusCode, d.ResponseBody, d.ResponseHeaders,
		d.ErrorMessage, d.SentAt, d.CompletedAt, d.DurationMs)
	if err != nil {
		return fmt.Errorf("updating delivery outcome: %w", err)
	}
	return nil
}

// DueRetry is a retrying delivery whose retry time has arrived, with the
// owning webhook's active flag so the sweeper can fail deactivated ones
// without another round trip.
type DueRetry struct {
	DeliveryID    string
	WebhookID     string
	WebhookActive bool
}

// ListDueRetries finds retrying deliveries with next_retry_at <= now.
func (s *PostgresStore) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]DueRetry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.webhook_id, w.is_active
		FROM webhook_deliveries d
		JOIN webhooks w ON w.id = d.webhook_id
		WHERE d.status = 'retrying' AND d.next_retry_at <= $1
		ORDER BY d.next_retry_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}
	defer rows.Close()

	var due []DueRetry
	for rows.Next() {
		var r DueRetry
		if err := rows.Scan(&r.DeliveryID, &r.WebhookID, &r.WebhookActive); err != nil {
			return nil, fmt.Errorf("scanning due retry: %w", err)
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

// FailDeactivated terminally fails a retrying delivery whose webhook was
// deactivated before its retry fired. Failure counters are left alone.
func (s *PostgresStore) FailDeactivated(ctx context.Context, deliveryID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET
			status = 'failed',
			next_retry_at = NULL,
			error_message = 'Webhook was deactivated',
			completed_at = $2
		WHERE id = $1 AND status = 'retrying'
	`, deliveryID, now)
	if err != nil {
		return fmt.Errorf("failing deactivated delivery: %w", err)
	}
	return nil
}

// DeliveryFilter narrows ListDeliveries. Zero values mean no filter.
type DeliveryFilter struct {
	WebhookID string
	EventID   string
	Status    string
	Limit     int
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if filter.WebhookID != "" {
		conditions = append(conditions, fmt.Sprintf("webhook_id = $%d", argIdx))
		args = append(args, filter.WebhookID)
		argIdx++
	}
	if filter.EventID != "" {
		conditions = append(conditions, fmt.Sprintf("event_id = $%d", argIdx))
		args = append(args, filter.EventID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []domain.Delivery{}
	for rows.Next() {
		var d domain.Delivery
		err := rows.Scan(
			&d.ID, &d.WebhookID, &d.EventType, &d.EventID, &d.Payload, &d.Status,
			&d.AttemptCount, &d.MaxAttempts, &d.NextRetryAt,
			&d.ResponseStatusCode, &d.ResponseBody, &d.ResponseHeaders,
			&d.ErrorMessage, &d.SentAt, &d.CompletedAt, &d.DurationMs, &d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// PurgeOldDeliveries removes delivered records older than 90 days and failed
// records older than 120 days. Housekeeping only; the engine itself never
// deletes delivery records.
func (s *PostgresStore) PurgeOldDeliveries(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		DELETE FROM webhook_deliveries
		WHERE (status = 'success' AND completed_at < $1)
		   OR (status = 'failed' AND completed_at < $2)
	`, now.AddDate(0, 0, -90), now.AddDate(0, 0, -120))
	if err != nil {
		return 0, fmt.Errorf("purging old deliveries: %w", err)
	}
	return result.RowsAffected(), nil
}
