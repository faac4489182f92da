package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/internal/app"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/database"
	"github.com/tigerroll/entiflow/pkg/workflow/adapter/migration"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
)

// noAutoMigrate leaves schema changes to the command itself.
func noAutoMigrate(cfg *config.Config) {
	cfg.Entiflow.Infrastructure.AutoMigrate = false
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations to the repository and entity databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appOpts, err := root.appOptions()
			if err != nil {
				return err
			}
			var (
				cfg      *config.Config
				resolver database.DBConnectionResolver
				migrator *migration.Migrator
			)
			stop, err := app.Start(cmd.Context(),
				app.Infrastructure(appOpts),
				app.Decorate(noAutoMigrate),
				fx.Populate(&cfg, &resolver, &migrator),
			)
			if err != nil {
				return err
			}
			defer func() { _ = stop() }()

			infra := cfg.Entiflow.Infrastructure
			refs := []string{infra.RepositoryDBRef}
			if infra.EntityDBRef != infra.RepositoryDBRef {
				refs = append(refs, infra.EntityDBRef)
			}
			for _, ref := range refs {
				conn, err := resolver.ResolveDBConnection(cmd.Context(), ref)
				if err != nil {
					return err
				}
				if down {
					err = migrator.Down(cmd.Context(), conn)
				} else {
					err = migrator.Up(cmd.Context(), conn)
				}
				if err != nil {
					return err
				}
				version, dirty, ok, err := migrator.Version(cmd.Context(), conn)
				if err != nil {
					return err
				}
				switch {
				case !ok:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no migrations applied\n", ref)
				case dirty:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d (dirty)\n", ref, version)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d\n", ref, version)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back every migration instead")
	return cmd
}
