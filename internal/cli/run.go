package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/internal/app"
	"github.com/tigerroll/entiflow/pkg/workflow/core/application/usecase"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/engine/queue"
	"github.com/tigerroll/entiflow/pkg/workflow/listener"
)

type runOptions struct {
	file       string
	formatType string
}

// singleProcess runs every job in this process and keeps background services off.
func singleProcess(cfg *config.Config) {
	cfg.Entiflow.Queue.Type = queue.TypeMemory
	cfg.Entiflow.Scheduler.Enabled = false
	cfg.Entiflow.Metrics.ListenAddr = ""
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <workflow-uuid>",
		Short: "Execute one run of a workflow in this process and wait for it to finish",
		Long: `Execute one run of a workflow with an in-memory queue.

Without --file the workflow's source is fetched. With --file the content is decoded with the
workflow's format (or --format) and staged directly, as an upload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appOpts, err := root.appOptions()
			if err != nil {
				return err
			}

			var upload *usecase.Upload
			if opts.file != "" {
				data, err := readInput(cmd.InOrStdin(), opts.file)
				if err != nil {
					return err
				}
				upload = &usecase.Upload{Data: data, FormatType: opts.formatType}
				if upload.FormatType == "" {
					upload.FormatType = formatFromExtension(opts.file)
				}
			}

			var (
				svc      usecase.WorkflowService
				signaler *listener.RunCompletionSignaler
			)
			stop, err := app.Start(cmd.Context(),
				app.Infrastructure(appOpts),
				app.Engine(),
				app.Decorate(singleProcess),
				app.WithCompletionSignaler(),
				fx.Invoke(queue.StartWorkers),
				fx.Populate(&svc, &signaler),
			)
			if err != nil {
				return err
			}
			defer func() { _ = stop() }()

			run, err := svc.RunNow(cmd.Context(), args[0], upload, root.actor)
			if err != nil && run == nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s started.\n", run.UUID)

			finished, err := signaler.Wait(cmd.Context(), run.UUID)
			if err != nil {
				return fmt.Errorf("run %s did not finish: %w", run.UUID, err)
			}
			printRunSummary(cmd.OutOrStdout(), finished)
			if finished.Status != model.RunStatusSuccess {
				return fmt.Errorf("run %s ended with status %s", finished.UUID, finished.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Stage records from this file ('-' reads stdin)")
	cmd.Flags().StringVar(&opts.formatType, "format", "", "Format of --file (json, ndjson, csv, yaml, parquet); defaults to its extension")
	return cmd
}

func newCancelCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-uuid>",
		Short: "Cancel a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appOpts, err := root.appOptions()
			if err != nil {
				return err
			}
			var svc usecase.WorkflowService
			stop, err := app.Start(cmd.Context(),
				app.Infrastructure(appOpts),
				app.Engine(),
				app.Decorate(singleProcess),
				fx.Populate(&svc),
			)
			if err != nil {
				return err
			}
			defer func() { _ = stop() }()

			run, err := svc.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s is %s.\n", run.UUID, run.Status)
			return nil
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func formatFromExtension(path string) string {
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext {
	case "yml":
		return "yaml"
	case "jsonl":
		return "ndjson"
	case "json", "ndjson", "csv", "yaml", "parquet":
		return ext
	}
	return ""
}

func printRunSummary(w io.Writer, run *model.WorkflowRun) {
	fmt.Fprintf(w, "Run %s finished: %s\n", run.UUID, run.Status)
	fmt.Fprintf(w, "  staged=%d processed=%d failed=%d skipped=%d duration=%s\n",
		run.StagedItems, run.ProcessedItems, run.FailedItems, run.SkippedItems, run.Duration())
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
}
