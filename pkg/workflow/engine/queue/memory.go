package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process broker. It is unbounded so that a fetch that stages many items
// never blocks the workers that would drain them. Fetch jobs are served first.
type MemoryQueue struct {
	mu      sync.Mutex
	fetch   []Job
	process []Job
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a MemoryQueue with room for capacity jobs before it reallocates.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		process: make([]Job, 0, capacity),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) push(_ context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if job.Kind == KindFetchAndStage {
		q.fetch = append(q.fetch, job)
	} else {
		q.process = append(q.process, job)
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) next(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		var job *Job
		switch {
		case len(q.fetch) > 0:
			j := q.fetch[0]
			q.fetch = q.fetch[1:]
			job = &j
		case len(q.process) > 0:
			j := q.process[0]
			q.process = q.process[1:]
			job = &j
		case q.closed:
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		more := len(q.fetch)+len(q.process) > 0
		q.mu.Unlock()
		if job != nil {
			if more {
				q.signal()
			}
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// EnqueueFetch implements Queue.
func (q *MemoryQueue) EnqueueFetch(ctx context.Context, job FetchAndStageJob) error {
	return q.push(ctx, fetchJob(job))
}

// EnqueueProcess implements Queue.
func (q *MemoryQueue) EnqueueProcess(ctx context.Context, jobs ...ProcessRawItemJob) error {
	for _, j := range jobs {
		if err := q.push(ctx, processJob(j)); err != nil {
			return err
		}
	}
	return nil
}

// Consume implements Queue.
func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	return consume(ctx, q, h)
}

// Pending returns the number of jobs waiting.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fetch) + len(q.process)
}

// Close stops accepting jobs. Consumers finish the jobs already queued.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
