package orchestrator

import (
	"context"
	"time"

	"go.uber.org/fx"

	port "github.com/tigerroll/entiflow/pkg/workflow/core/application/port"
	"github.com/tigerroll/entiflow/pkg/workflow/core/application/usecase"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/core/metrics"
	"github.com/tigerroll/entiflow/pkg/workflow/core/tx"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/queue"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/scheduler"
	"github.com/tigerroll/entiflow/pkg/workflow/entity"
	"github.com/tigerroll/entiflow/pkg/workflow/format"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
	"github.com/tigerroll/entiflow/pkg/workflow/transport"
)

// Params are the fx inputs of NewFromParams.
type Params struct {
	fx.In
	Cfg           *config.Config
	Repo          repository.Repository
	Tx            tx.TransactionManager
	Queue         queue.Queue
	Formats       *format.Registry
	Transports    *transport.Registry
	Resolver      *entity.Resolver
	Lookups       dsl.ExternalResolver
	Recorder      metrics.MetricRecorder
	Tracer        metrics.Tracer
	RunListeners  []port.RunListener  `group:"runListeners"`
	ItemListeners []port.ItemListener `group:"itemListeners"`
}

// NewFromParams builds the Orchestrator with the workflow.* run policy.
func NewFromParams(p Params) *Orchestrator {
	wf := p.Cfg.Entiflow.Workflow
	return New(Dependencies{
		Repo:          p.Repo,
		Tx:            p.Tx,
		Queue:         p.Queue,
		Formats:       p.Formats,
		Transports:    p.Transports,
		Resolver:      p.Resolver,
		Lookups:       p.Lookups,
		Recorder:      p.Recorder,
		Tracer:        p.Tracer,
		RunListeners:  p.RunListeners,
		ItemListeners: p.ItemListeners,
	}, Policy{
		FailOnAllItemsFailed: wf.FailOnAllItemsFailed,
		MaxItemsPerRun:       wf.MaxItemsPerRun,
	})
}

// StartRecovery runs RecoverStalled every half of workflow.stalled_after_seconds.
// A non-positive threshold disables the sweep.
func StartRecovery(lc fx.Lifecycle, cfg *config.Config, o *Orchestrator) {
	threshold := time.Duration(cfg.Entiflow.Workflow.StalledAfterSeconds) * time.Second
	if threshold <= 0 {
		logger.Infof("Stalled run recovery is disabled.")
		return
	}
	interval := threshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if _, err := o.RecoverStalled(ctx, threshold); err != nil && ctx.Err() == nil {
							logger.Warnf("Recovery sweep failed: %v", err)
						}
					}
				}
			}()
			logger.Infof("Stalled run recovery started (threshold %s, every %s).", threshold, interval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

// Module provides the Orchestrator as the queue handler, the scheduler's run trigger and the
// launcher behind the workflow service.
var Module = fx.Options(
	fx.Provide(
		NewFromParams,
		func(o *Orchestrator) queue.Handler { return o },
		func(o *Orchestrator) scheduler.RunTrigger { return o },
		func(o *Orchestrator) usecase.RunLauncher { return o },
	),
)
