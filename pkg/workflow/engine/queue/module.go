package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

const moduleName = "queue"

const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
)

// NewQueueFromConfig builds the broker named by queue.type.
func NewQueueFromConfig(lc fx.Lifecycle, cfg *config.Config) (Queue, error) {
	qc := cfg.Entiflow.Queue
	switch qc.Type {
	case "", TypeMemory:
		q := NewMemoryQueue(qc.BufferSize)
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return q.Close() }})
		return q, nil
	case TypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
		})
		q, err := NewRedisQueue(client, qc.Redis.KeyPrefix, time.Duration(qc.Redis.BlockTimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, exception.Newf(exception.ConfigError, moduleName, "invalid redis queue", err)
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					return exception.Newf(exception.ConfigError, moduleName, "redis at %s is unreachable", qc.Redis.Addr, err)
				}
				logger.Infof("Job queue: redis at %s (prefix '%s').", qc.Redis.Addr, qc.Redis.KeyPrefix)
				return nil
			},
			OnStop: func(context.Context) error {
				_ = q.Close()
				return client.Close()
			},
		})
		return q, nil
	}
	return nil, exception.Newf(exception.ConfigError, moduleName, "unknown queue type '%s'", qc.Type)
}

// StartWorkers runs a WorkerPool for the lifetime of the application.
func StartWorkers(lc fx.Lifecycle, cfg *config.Config, q Queue, h Handler) {
	pool := NewWorkerPool(q, h, cfg.Entiflow.Queue.Workers)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := pool.Run(ctx); err != nil {
					logger.Errorf("Worker pool stopped: %v", err)
				}
			}()
			logger.Infof("Started %d workers.", pool.workers)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			_ = q.Close()
			select {
			case <-done:
			case <-stopCtx.Done():
				cancel()
				<-done
			}
			cancel()
			return nil
		},
	})
}

// Module provides the configured Queue.
var Module = fx.Options(
	fx.Provide(NewQueueFromConfig),
)
