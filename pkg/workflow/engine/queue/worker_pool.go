package queue

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// WorkerPool runs a fixed number of consumers of one queue.
type WorkerPool struct {
	queue   Queue
	handler Handler
	workers int
}

// NewWorkerPool creates a pool of workers consumers. workers < 1 means 1.
func NewWorkerPool(q Queue, h Handler, workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{queue: q, handler: h, workers: workers}
}

// Run blocks until every consumer has returned, that is until ctx is done or the queue is
// closed and drained.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			logger.Debugf("Worker %d started.", id)
			defer logger.Debugf("Worker %d stopped.", id)
			return p.queue.Consume(gctx, p.handler)
		})
	}
	return g.Wait()
}
