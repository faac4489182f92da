package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tigerroll/entiflow/pkg/workflow/core/application/usecase"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
)

func newRunsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list <workflow-uuid>",
		Short: "List the latest runs of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, root, func(_ usecase.WorkflowService, explorer usecase.RunExplorer) error {
				runs, err := explorer.ListRuns(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "UUID\tSTATUS\tTRIGGER\tSTAGED\tPROCESSED\tFAILED\tSKIPPED\tQUEUED")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n", r.UUID, r.Status, r.Trigger,
						r.StagedItems, r.ProcessedItems, r.FailedItems, r.SkippedItems, r.QueuedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", usecase.DefaultRunListLimit, "Maximum number of runs")

	get := &cobra.Command{
		Use:   "get <run-uuid>",
		Short: "Print the status and counters of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, root, func(_ usecase.WorkflowService, explorer usecase.RunExplorer) error {
				run, err := explorer.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printRunSummary(cmd.OutOrStdout(), run)
				return nil
			})
		},
	}

	logs := &cobra.Command{
		Use:   "logs <run-uuid>",
		Short: "Print the log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, root, func(_ usecase.WorkflowService, explorer usecase.RunExplorer) error {
				entries, err := explorer.ListLogs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %-5s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Level, e.Message)
				}
				return nil
			})
		},
	}

	var status string
	items := &cobra.Command{
		Use:   "items <run-uuid>",
		Short: "List the staged items of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, root, func(_ usecase.WorkflowService, explorer usecase.RunExplorer) error {
				rows, err := explorer.ListItems(cmd.Context(), args[0], model.RawItemStatus(status))
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tUUID\tSTATUS\tERROR")
				for _, it := range rows {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", it.Seq, it.UUID, it.Status, it.Error)
				}
				return tw.Flush()
			})
		},
	}
	items.Flags().StringVar(&status, "status", "", "Only items in this status (pending, processed, failed, skipped)")

	cmd.AddCommand(list, get, logs, items)
	return cmd
}
