package migration

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// AutoMigrateParams are the fx inputs of RegisterAutoMigrate.
type AutoMigrateParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Cfg       *config.Config
	Resolver  database.DBConnectionResolver
	Migrator  *Migrator
}

// RegisterAutoMigrate migrates the repository and entity connections on start when
// infrastructure.auto_migrate is set.
func RegisterAutoMigrate(p AutoMigrateParams) {
	infra := p.Cfg.Entiflow.Infrastructure
	if !infra.AutoMigrate {
		logger.Debugf("Auto migration disabled.")
		return
	}
	p.Lifecycle.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		return MigrateRefs(ctx, p.Resolver, p.Migrator, infra.RepositoryDBRef, infra.EntityDBRef)
	}})
}

// MigrateRefs applies migrations once per distinct connection name.
func MigrateRefs(ctx context.Context, resolver database.DBConnectionResolver, m *Migrator, refs ...string) error {
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref]; ok || ref == "" {
			continue
		}
		seen[ref] = struct{}{}
		conn, err := resolver.ResolveDBConnection(ctx, ref)
		if err != nil {
			return err
		}
		if err := m.Up(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

// Module provides the Migrator and the auto migration hook.
var Module = fx.Options(
	fx.Provide(NewMigrator),
	fx.Invoke(RegisterAutoMigrate),
)
