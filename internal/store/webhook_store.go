package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/poscloud/webhook-engine/internal/domain"
)

const webhookColumns = `id, tenant_id, name, url, description, event_types, secret, is_active,
	rate_limit_per_second, consecutive_failures, last_success_at, last_failure_at, created_at, updated_at`

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var w domain.Webhook
	err := row.Scan(
		&w.ID, &w.TenantID, &w.Name, &w.URL, &w.Description, &w.EventTypes, &w.Secret,
		&w.IsActive, &w.RateLimitPerSecond, &w.ConsecutiveFailures,
		&w.LastSuccessAt, &w.LastFailureAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// CreateWebhook inserts a webhook, generating a secret when none is supplied.
func (s *PostgresStore) CreateWebhook(ctx context.Context, req domain.CreateWebhookRequest) (*domain.Webhook, error) {
	secret := req.Secret
	if secret == "" {
		var err error
		secret, err = generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO webhooks (tenant_id, name, url, description, event_types, secret, rate_limit_per_second)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+webhookColumns,
		req.TenantID, req.Name, req.URL, req.Description,
		domain.NormalizeEventTypes(req.EventTypes), secret, req.RateLimitPerSecond,
	)
	w, err := scanWebhook(row)
	if err != nil {
		return nil, fmt.Errorf("inserting webhook: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	w, err := scanWebhook(row)
	if err != nil {
		return nil, fmt.Errorf("querying webhook: %w", err)
	}
	return w, nil
}

// ListWebhooks returns a tenant's webhooks, secrets omitted.
func (s *PostgresStore) ListWebhooks(ctx context.Context, tenantID string) ([]domain.Webhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, url, description, event_types, is_active,
		       rate_limit_per_second, consecutive_failures, last_success_at, last_failure_at,
		       created_at, updated_at
		FROM webhooks
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying webhooks: %w", err)
	}
	defer rows.Close()

	webhooks := []domain.Webhook{}
	for rows.Next() {
		var w domain.Webhook
		err := rows.Scan(
			&w.ID, &w.TenantID, &w.Name, &w.URL, &w.Description, &w.EventTypes,
			&w.IsActive, &w.RateLimitPerSecond, &w.ConsecutiveFailures,
			&w.LastSuccessAt, &w.LastFailureAt, &w.CreatedAt, &w.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (s *PostgresStore) UpdateWebhook(ctx context.Context, id string, req domain.UpdateWebhookRequest) (*domain.Webhook, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	addSet := func(column string, value interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if req.Name != nil {
		addSet("name", *req.Name)
	}
	if req.URL != nil {
		addSet("url", *req.URL)
	}
	if req.Description != nil {
		addSet("description", *req.Description)
	}
	if req.EventTypes != nil {
		addSet("event_types", domain.NormalizeEventTypes(*req.EventTypes))
	}
	if req.IsActive != nil {
		addSet("is_active", *req.IsActive)
	}
	if req.RateLimitPerSecond != nil {
		addSet("rate_limit_per_second", *req.RateLimitPerSecond)
	}

	if len(setClauses) == 0 {
		return s.GetWebhook(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`UPDATE webhooks SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, webhookColumns)
	args = append(args, id)

	w, err := scanWebhook(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("updating webhook: %w", err)
	}
	return w, nil
}

// DeleteWebhook removes the webhook; its deliveries cascade.
func (s *PostgresStore) DeleteWebhook(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting webhook: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SetWebhookActive toggles the active flag. Reactivating also resets the
// consecutive-failure counter so an auto-disabled webhook starts clean.
func (s *PostgresStore) SetWebhookActive(ctx context.Context, id string, active bool) (*domain.Webhook, error) {
	query := `UPDATE webhooks SET is_active = $2, updated_at = NOW() WHERE id = $1 RETURNING ` + webhookColumns
	if active {
		query = `UPDATE webhooks SET is_active = TRUE, consecutive_failures = 0, updated_at = NOW()
			WHERE id = $1 RETURNING ` + webhookColumns
		w, err := scanWebhook(s.pool.QueryRow(ctx, query, id))
		if err != nil {
			return nil, fmt.Errorf("activating webhook: %w", err)
		}
		return w, nil
	}

	w, err := scanWebhook(s.pool.QueryRow(ctx, query, id, active))
	if err != nil {
		return nil, fmt.Errorf("deactivating webhook: %w", err)
	}
	return w, nil
}

// RotateSecret replaces the webhook secret and returns the new value. This
// is the only mutation of the secret after creation.
func (s *PostgresStore) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE webhooks SET secret = $2, updated_at = NOW() WHERE id = $1
	`, id, secret)
	if err != nil {
		return "", fmt.Errorf("rotating secret: %w", err)
	}
	if result.RowsAffected() == 0 {
		return "", pgx.ErrNoRows
	}
	return secret, nil
}

// FindSubscribed returns the tenant's active webhooks subscribed to the
// event type.
func (s *PostgresStore) FindSubscribed(ctx context.Context, tenantID, eventType string) ([]domain.Webhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE tenant_id = $1
		  AND is_active = TRUE
		  AND $2 = ANY(event_types)
	`, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding subscribed webhooks: %w", err)
	}
	defer rows.Close()

	webhooks := []domain.Webhook{}
	for rows.Next() {
		var w domain.Webhook
		err := rows.Scan(
			&w.ID, &w.TenantID, &w.Name, &w.URL, &w.Description, &w.EventTypes, &w.Secret,
			&w.IsActive, &w.RateLimitPerSecond, &w.ConsecutiveFailures,
			&w.LastSuccessAt, &w.LastFailureAt, &w.CreatedAt, &w.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

// RecordSuccess resets the consecutive-failure counter. Idempotent.
func (s *PostgresStore) RecordSuccess(ctx context.Context, webhookID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhooks SET consecutive_failures = 0, last_success_at = NOW()
		WHERE id = $1
	`, webhookID)
	if err != nil {
		return fmt.Errorf("recording webhook success: %w", err)
	}
	return nil
}

// RecordFailure increments the consecutive-failure counter in a single
// atomic UPDATE and returns the new count plus the active flag. Reaching
// the auto-disable threshold flips is_active off in the same statement, so
// concurrent failures each observe a distinct counter value and the
// threshold crossing is reported to exactly one caller.
func (s *PostgresStore) RecordFailure(ctx context.Context, webhookID string) (int, bool, error) {
	var failures int
	var active bool
	err := s.pool.QueryRow(ctx, `
		UPDATE webhooks SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at = NOW(),
			is_active = is_active AND (consecutive_failures + 1 < $2)
		WHERE id = $1
		RETURNING consecutive_failures, is_active
	`, webhookID, domain.AutoDisableThreshold).Scan(&failures, &active)
	if err != nil {
		return 0, false, fmt.Errorf("recording webhook failure: %w", err)
	}
	return failures, active, nil
}

func generateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(bytes), nil
}
