package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Pool manages a fixed number of worker goroutines that each run delivery
// attempts. Jobs are delivery IDs; two jobs for different IDs may run
// concurrently, attempts for one ID are serialized by the queue claiming.
type Pool struct {
	numWorkers int
	jobs       chan string
	deliverer  *Deliverer
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewPool(numWorkers int, deliverer *Deliverer, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan string, numWorkers*2),
		deliverer:  deliverer,
		logger:     logger,
	}
}

// Start launches the worker goroutines. They read from the jobs channel
// until it is closed or the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit hands a delivery ID to the pool.
func (p *Pool) Submit(deliveryID string) {
	p.jobs <- deliveryID
}

// Stop closes the jobs channel and waits for in-flight attempts to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for deliveryID := range p.jobs {
		select {
		case <-ctx.Done():
			return
		default:
			p.deliverer.Deliver(ctx, deliveryID)
		}
	}
}
