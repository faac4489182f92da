package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/internal/app"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/entity"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

type pruneOptions struct {
	olderThanDays     int
	keepLatest        int
	entityVersionDays int
}

// resolve fills the options from workflow.retention when no flag was given.
func (o *pruneOptions) resolve(cmd *cobra.Command, r config.RetentionConfig) {
	flags := cmd.Flags()
	if flags.Changed("older-than-days") || flags.Changed("keep-latest") || flags.Changed("entity-version-days") {
		return
	}
	o.olderThanDays = r.OlderThanDays
	o.keepLatest = r.KeepLatestPerWorkflow
	o.entityVersionDays = r.EntityVersionDays
}

func newPruneCommand(root *rootOptions) *cobra.Command {
	opts := &pruneOptions{}
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old finished runs and entity version snapshots",
		Long: `Delete finished runs (with their items and logs) and entity version snapshots.

Without flags the workflow.retention settings are applied. A zero value disables a rule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appOpts, err := root.appOptions()
			if err != nil {
				return err
			}
			var (
				cfg   *config.Config
				runs  repository.RunRepository
				store *entity.Store
			)
			stop, err := app.Start(cmd.Context(),
				app.Infrastructure(appOpts),
				fx.Populate(&cfg, &runs, &store),
			)
			if err != nil {
				return err
			}
			defer func() { _ = stop() }()

			opts.resolve(cmd, cfg.Entiflow.Workflow.Retention)
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if opts.olderThanDays > 0 {
				n, err := runs.PruneOlderThanDays(ctx, opts.olderThanDays)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %d runs older than %d days.\n", n, opts.olderThanDays)
			}
			if opts.keepLatest > 0 {
				n, err := runs.PruneKeepLatestPerWorkflow(ctx, opts.keepLatest)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %d runs beyond the latest %d per workflow.\n", n, opts.keepLatest)
			}
			if opts.entityVersionDays > 0 {
				n, err := store.PruneVersionsOlderThanDays(ctx, opts.entityVersionDays)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %d entity versions older than %d days.\n", n, opts.entityVersionDays)
			}
			logger.Infof("Prune finished.")
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.olderThanDays, "older-than-days", 0, "Delete finished runs older than N days")
	cmd.Flags().IntVar(&opts.keepLatest, "keep-latest", 0, "Keep only the latest N runs of each workflow")
	cmd.Flags().IntVar(&opts.entityVersionDays, "entity-version-days", 0, "Delete entity version snapshots older than N days")
	return cmd
}
