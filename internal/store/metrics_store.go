package store

import (
	"context"
	"fmt"
)

// DeliveryMetrics holds aggregated delivery statistics for the dashboard.
type DeliveryMetrics struct {
	TotalDeliveries  int     `json:"total_deliveries"`
	SuccessCount     int     `json:"success_count"`
	FailedCount      int     `json:"failed_count"`
	RetryingCount    int     `json:"retrying_count"`
	PendingCount     int     `json:"pending_count"`
	SuccessRate      float64 `json:"success_rate"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
	ActiveWebhooks   int     `json:"active_webhooks"`
	DisabledWebhooks int     `json:"disabled_webhooks"`
}

// GetDeliveryMetrics returns aggregated delivery statistics.
func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	var m DeliveryMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'retrying') AS retrying,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COALESCE(AVG(duration_ms) FILTER (WHERE duration_ms > 0), 0) AS avg_duration_ms
		FROM webhook_deliveries
	`).Scan(&m.TotalDeliveries, &m.SuccessCount, &m.FailedCount,
		&m.RetryingCount, &m.PendingCount, &m.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}

	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE NOT is_active)
		FROM webhooks
	`).Scan(&m.ActiveWebhooks, &m.DisabledWebhooks)
	if err != nil {
		return nil, fmt.Errorf("querying webhook counts: %w", err)
	}

	return &m, nil
}
