package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tigerroll/entiflow/pkg/workflow/engine/scheduler"
)

func newCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron expressions",
	}

	validate := &cobra.Command{
		Use:   "validate <expr>",
		Short: "Check a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := scheduler.ValidateCron(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}

	var n int
	preview := &cobra.Command{
		Use:   "preview <expr>",
		Short: "Print the next fire times of a cron expression (UTC)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			times, err := scheduler.PreviewNext(args[0], n, time.Now().UTC())
			if err != nil {
				return err
			}
			for _, t := range times {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	}
	preview.Flags().IntVarP(&n, "count", "n", 5, "Number of fire times")

	cmd.AddCommand(validate, preview)
	return cmd
}
