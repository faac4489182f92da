// Package app assembles the fx applications behind the entiflow commands.
package app

import (
	"context"
	"os"
	"strings"

	"go.uber.org/fx"

	gormadapter "github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm/mysql"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm/postgres"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database/gorm/sqlite"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/migration"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/storage"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/storage/gcs"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/storage/local"
	port "github.com/tigerroll/entiflow/pkg/workflow/core/application/port"
	"github.com/tigerroll/entiflow/pkg/workflow/core/application/usecase"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/orchestrator"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/queue"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/scheduler"
	"github.com/tigerroll/entiflow/pkg/workflow/entity"
	"github.com/tigerroll/entiflow/pkg/workflow/format"
	infracache "github.com/tigerroll/entiflow/pkg/workflow/infrastructure/cache"
	inframetrics "github.com/tigerroll/entiflow/pkg/workflow/infrastructure/metrics"
	sqlrepo "github.com/tigerroll/entiflow/pkg/workflow/infrastructure/repository/sql"
	"github.com/tigerroll/entiflow/pkg/workflow/listener"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
	"github.com/tigerroll/entiflow/pkg/workflow/transport"
)

// DBProviderMap maps a database type to the module contributing its provider.
var DBProviderMap = map[string]fx.Option{
	postgres.ProviderType: postgres.Module,
	mysql.ProviderType:    mysql.Module,
	sqlite.ProviderType:   sqlite.Module,
}

// DBProviderOptions selects the database providers named by the DB_ADAPTORS environment
// variable (comma separated). All providers are registered when it is unset.
func DBProviderOptions() []fx.Option {
	adaptors := os.Getenv("DB_ADAPTORS")
	if adaptors == "" {
		adaptors = "postgres,mysql,sqlite"
	}
	options := make([]fx.Option, 0, len(DBProviderMap))
	for _, name := range strings.Split(adaptors, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if m, ok := DBProviderMap[name]; ok {
			options = append(options, m)
			logger.Debugf("DB Provider '%s' selected and registered.", name)
		} else {
			logger.Warnf("DB Provider '%s' is configured but not recognized/supported. Skipping.", name)
		}
	}
	return options
}

// Options carries what every command needs to build its application.
type Options struct {
	Config      config.EmbeddedConfig
	EnvFilePath string
}

// Infrastructure provides configuration, logging, database connections, migrations,
// storage, the cache and the repositories.
func Infrastructure(opts Options) fx.Option {
	return fx.Options(
		fx.Supply(
			opts.Config,
			fx.Annotated{Name: "envFilePath", Target: opts.EnvFilePath},
		),
		logger.Module,
		config.Module,
		fx.Options(DBProviderOptions()...),
		gormadapter.Module,
		migration.Module,
		sqlrepo.Module,
		local.Module,
		gcs.Module,
		storage.Module,
		infracache.Module,
		entity.Module,
	)
}

// Engine provides the workflow engine on top of Infrastructure: registries, the queue, the
// orchestrator with its listeners, the scheduler and the application services.
func Engine() fx.Option {
	return fx.Options(
		format.Module,
		transport.Module,
		queue.Module,
		inframetrics.Module,
		listener.Module,
		orchestrator.Module,
		scheduler.Module,
		usecase.Module,
	)
}

// WithCompletionSignaler registers a RunCompletionSignaler as a run listener.
func WithCompletionSignaler() fx.Option {
	return fx.Provide(
		listener.NewRunCompletionSignaler,
		fx.Annotate(
			func(s *listener.RunCompletionSignaler) port.RunListener { return s },
			fx.ResultTags(`group:"runListeners"`),
		),
	)
}

// Decorate applies fn to the loaded configuration, e.g. to force a single-process setup.
func Decorate(fn func(cfg *config.Config)) fx.Option {
	return fx.Decorate(func(cfg *config.Config) *config.Config {
		fn(cfg)
		return cfg
	})
}

// Serve runs the long-lived engine: workers, the cron reconciler, stalled run recovery and the
// metrics endpoint.
func Serve(ctx context.Context, opts Options) error {
	app := fx.New(
		Infrastructure(opts),
		Engine(),
		fx.Invoke(queue.StartWorkers),
		fx.Invoke(scheduler.StartReconciler),
		fx.Invoke(orchestrator.StartRecovery),
		fx.Invoke(func(cfg *config.Config) {
			logger.Infof("entiflow serving with %d workers on a %s queue.", cfg.Entiflow.Queue.Workers, cfg.Entiflow.Queue.Type)
		}),
	)
	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Warnf("Shutting down: %v", context.Cause(ctx))
	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	return app.Stop(stopCtx)
}

// Start builds and starts an application from options and returns a function stopping it.
// Values requested through fx.Populate in options are set once Start returns.
func Start(ctx context.Context, options ...fx.Option) (func() error, error) {
	app := fx.New(options...)
	if err := app.Err(); err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	return func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancel()
		return app.Stop(stopCtx)
	}, nil
}
