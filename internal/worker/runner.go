package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/poscloud/webhook-engine/internal/engine"
)

// Runner is the countdown path of the retry scheduler: it polls the delayed
// queue for deliveries whose due time has arrived and feeds them to the
// worker pool. The periodic sweep covers anything the queue loses.
type Runner struct {
	queue        *engine.Queue
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewRunner(queue *engine.Queue, pool *Pool, logger *slog.Logger) *Runner {
	return &Runner{
		queue:        queue,
		pool:         pool,
		logger:       logger,
		pollInterval: 100 * time.Millisecond,
		batchSize:    10,
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("delivery runner started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("delivery runner stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	ids, err := r.queue.ClaimDue(ctx, time.Now(), r.batchSize)
	if err != nil {
		r.logger.Error("failed to poll delivery queue", "error", err)
		return
	}

	for _, id := range ids {
		r.pool.Submit(id)
	}
}
