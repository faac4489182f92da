package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue stores jobs in two Redis lists, one per kind. Producers LPUSH, consumers BRPOP
// the fetch list before the process list, so fetches are never starved by large runs.
type RedisQueue struct {
	client       redis.Cmdable
	fetchKey     string
	processKey   string
	blockTimeout time.Duration
	closed       atomic.Bool
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a RedisQueue with keys under prefix.
func NewRedisQueue(client redis.Cmdable, prefix string, blockTimeout time.Duration) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "entiflow"
	}
	if blockTimeout <= 0 {
		blockTimeout = time.Second
	}
	return &RedisQueue{
		client:       client,
		fetchKey:     prefix + ":jobs:fetch",
		processKey:   prefix + ":jobs:process",
		blockTimeout: blockTimeout,
	}, nil
}

func (q *RedisQueue) key(kind JobKind) string {
	if kind == KindFetchAndStage {
		return q.fetchKey
	}
	return q.processKey
}

func (q *RedisQueue) push(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode %s: %w", job.Kind, err)
	}
	if err := q.client.LPush(ctx, q.key(job.Kind), data).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Kind, err)
	}
	return nil
}

func (q *RedisQueue) next(ctx context.Context) (*Job, error) {
	for {
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}
		res, err := q.client.BRPop(ctx, q.blockTimeout, q.fetchKey, q.processKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		if len(res) != 2 {
			return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
		}
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return nil, fmt.Errorf("decode job from %s: %w", res[0], err)
		}
		if (job.Kind == KindFetchAndStage && job.Fetch == nil) || (job.Kind == KindProcessRawItem && job.Process == nil) {
			return nil, fmt.Errorf("job %s from %s has no payload", job.Kind, res[0])
		}
		return &job, nil
	}
}

// EnqueueFetch implements Queue.
func (q *RedisQueue) EnqueueFetch(ctx context.Context, job FetchAndStageJob) error {
	return q.push(ctx, fetchJob(job))
}

// EnqueueProcess implements Queue. The jobs are pushed in one pipeline.
func (q *RedisQueue) EnqueueProcess(ctx context.Context, jobs ...ProcessRawItemJob) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if len(jobs) == 0 {
		return nil
	}
	values := make([]interface{}, len(jobs))
	for i, j := range jobs {
		data, err := json.Marshal(processJob(j))
		if err != nil {
			return fmt.Errorf("encode %s: %w", KindProcessRawItem, err)
		}
		values[i] = data
	}
	if err := q.client.LPush(ctx, q.processKey, values...).Err(); err != nil {
		return fmt.Errorf("enqueue %d %s jobs: %w", len(jobs), KindProcessRawItem, err)
	}
	return nil
}

// Consume implements Queue.
func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	return consume(ctx, q, h)
}

// Pending returns the length of both lists.
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	f, err := q.client.LLen(ctx, q.fetchKey).Result()
	if err != nil {
		return 0, err
	}
	p, err := q.client.LLen(ctx, q.processKey).Result()
	if err != nil {
		return 0, err
	}
	return f + p, nil
}

// Close stops consumers after their current BRPOP. Jobs stay in Redis for the next process.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
