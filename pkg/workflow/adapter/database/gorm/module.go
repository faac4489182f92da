package gorm

import (
	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
)

// Module provides the ConnectionResolver (dialect providers come from their own modules).
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewConnectionResolverFromParams,
		fx.As(new(database.DBConnectionResolver)),
	)),
)
