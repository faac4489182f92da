package cli

import (
	"github.com/spf13/cobra"

	"github.com/tigerroll/entiflow/internal/app"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the cron scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := root.appOptions()
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context(), opts)
		},
	}
}
