package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/poscloud/webhook-engine/internal/store"
)

const sweepBatchSize = 500

// RetryStore is what the sweeper needs from persistence.
type RetryStore interface {
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]store.DueRetry, error)
	FailDeactivated(ctx context.Context, deliveryID string, now time.Time) error
}

// Sweeper is the safety net of the retry scheduler: once per interval it
// scans the store for retrying deliveries whose retry time has arrived and
// re-dispatches them. The countdown queue is the primary trigger; the sweep
// recovers deliveries the queue lost (process restart, missed timer).
type Sweeper struct {
	store    RetryStore
	pool     *Pool
	logger   *slog.Logger
	interval time.Duration
}

func NewSweeper(st RetryStore, pool *Pool, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    st,
		pool:     pool,
		logger:   logger,
		interval: interval,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("retry sweeper started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry sweeper stopping")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, time.Now()); err != nil {
				s.logger.Error("retry sweep failed", "error", err)
			}
		}
	}
}

// Sweep finds due retries. Deliveries whose webhook has been deactivated are
// terminally failed without touching failure counters; the rest go back
// through the worker pool. Returns the count actually re-dispatched.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueRetries(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	redispatched := 0
	for _, r := range due {
		if !r.WebhookActive {
			if err := s.store.FailDeactivated(ctx, r.DeliveryID, now); err != nil {
				s.logger.Error("failed to close out deactivated delivery",
					"error", err, "delivery_id", r.DeliveryID)
			}
			continue
		}
		s.pool.Submit(r.DeliveryID)
		redispatched++
	}

	if len(due) > 0 {
		s.logger.Info("retry sweep complete",
			"due", len(due),
			"redispatched", redispatched,
		)
	}
	return redispatched, nil
}
