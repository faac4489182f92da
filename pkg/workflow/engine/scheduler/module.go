package scheduler

import (
	"context"
	"time"

	"go.uber.org/fx"

	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// NewSchedulerFromConfig creates a CronScheduler in the configured system timezone.
func NewSchedulerFromConfig(cfg *config.Config) Scheduler {
	loc, err := time.LoadLocation(cfg.Entiflow.System.Timezone)
	if err != nil {
		logger.Warnf("Unknown timezone '%s', scheduling in UTC: %v", cfg.Entiflow.System.Timezone, err)
		loc = time.UTC
	}
	return NewCronScheduler(loc)
}

// NewReconcilerFromConfig wires a Reconciler with the configured interval.
func NewReconcilerFromConfig(cfg *config.Config, repo repository.WorkflowRepository, sched Scheduler, trigger RunTrigger) *Reconciler {
	return NewReconciler(repo, sched, trigger, time.Duration(cfg.Entiflow.Scheduler.ReconcileIntervalSeconds)*time.Second)
}

// StartReconciler starts the scheduler and its reconcile loop when scheduling is enabled.
func StartReconciler(lc fx.Lifecycle, cfg *config.Config, sched Scheduler, r *Reconciler) {
	if !cfg.Entiflow.Scheduler.Enabled {
		logger.Infof("Cron scheduling is disabled.")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sched.Start()
			go func() {
				defer close(done)
				_ = r.Run(ctx)
			}()
			logger.Infof("Cron scheduler started (reconcile every %s).", r.interval)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			<-done
			return sched.Stop(stopCtx)
		},
	})
}

// Module provides the scheduler and the reconciler. The application invokes StartReconciler.
var Module = fx.Options(
	fx.Provide(NewSchedulerFromConfig, NewReconcilerFromConfig),
)
