package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/entiflow/internal/app"
	"github.com/tigerroll/entiflow/pkg/workflow/core/application/usecase"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/repository"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
)

// workflowDocument is the file form of a workflow definition (YAML or JSON).
type workflowDocument struct {
	UUID               string                 `yaml:"uuid"`
	Name               string                 `yaml:"name"`
	Description        string                 `yaml:"description"`
	Kind               string                 `yaml:"kind"`
	Enabled            *bool                  `yaml:"enabled"`
	ScheduleCron       string                 `yaml:"schedule_cron"`
	VersioningDisabled bool                   `yaml:"versioning_disabled"`
	Config             map[string]interface{} `yaml:"config"`
}

// decodeWorkflow reads a definition document. Enabled defaults to true.
func decodeWorkflow(data []byte) (*model.Workflow, error) {
	var doc workflowDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid workflow document: %w", err)
	}
	config, err := json.Marshal(doc.Config)
	if err != nil {
		return nil, fmt.Errorf("workflow config cannot be encoded: %w", err)
	}
	wf := &model.Workflow{
		UUID:               doc.UUID,
		Name:               doc.Name,
		Description:        doc.Description,
		Kind:               model.WorkflowKind(doc.Kind),
		Enabled:            doc.Enabled == nil || *doc.Enabled,
		VersioningDisabled: doc.VersioningDisabled,
		Config:             model.RawJSON(config),
	}
	if doc.ScheduleCron != "" {
		cron := doc.ScheduleCron
		wf.ScheduleCron = &cron
	}
	return wf, nil
}

// withService starts the application services for a one-shot command.
func withService(cmd *cobra.Command, root *rootOptions, fn func(svc usecase.WorkflowService, explorer usecase.RunExplorer) error) error {
	appOpts, err := root.appOptions()
	if err != nil {
		return err
	}
	var (
		svc      usecase.WorkflowService
		explorer usecase.RunExplorer
	)
	stop, err := app.Start(cmd.Context(),
		app.Infrastructure(appOpts),
		app.Engine(),
		app.Decorate(singleProcess),
		fx.Populate(&svc, &explorer),
	)
	if err != nil {
		return err
	}
	defer func() { _ = stop() }()
	return fn(svc, explorer)
}

func newWorkflowCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflow definitions",
	}

	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create a workflow, or update it when the document carries the uuid of an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			wf, err := decodeWorkflow(data)
			if err != nil {
				return err
			}
			return withService(cmd, root, func(svc usecase.WorkflowService, _ usecase.RunExplorer) error {
				return applyWorkflow(cmd, svc, wf, root.actor)
			})
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "-", "Workflow document ('-' reads stdin)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, root, func(svc usecase.WorkflowService, _ usecase.RunExplorer) error {
				wfs, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				printWorkflows(cmd.OutOrStdout(), wfs)
				return nil
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <workflow-uuid>",
		Short: "Print a workflow definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, root, func(svc usecase.WorkflowService, _ usecase.RunExplorer) error {
				wf, err := svc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), workflowView(wf))
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <workflow-uuid>",
		Short: "Delete a workflow with its runs and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, root, func(svc usecase.WorkflowService, _ usecase.RunExplorer) error {
				if err := svc.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s deleted.\n", args[0])
				return nil
			})
		},
	}

	versions := &cobra.Command{
		Use:   "versions <workflow-uuid>",
		Short: "List the version snapshots of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, root, func(svc usecase.WorkflowService, _ usecase.RunExplorer) error {
				vs, err := svc.Versions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tCREATED\tBY")
				for _, v := range vs {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", v.VersionNumber, v.CreatedAt.Format("2006-01-02 15:04:05"), v.CreatedBy)
				}
				return tw.Flush()
			})
		},
	}

	rollback := &cobra.Command{
		Use:   "rollback <workflow-uuid> <version>",
		Short: "Restore a workflow definition from a version snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("version must be a number: %w", err)
			}
			return withService(cmd, root, func(svc usecase.WorkflowService, _ usecase.RunExplorer) error {
				wf, err := svc.Rollback(cmd.Context(), args[0], version, root.actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s restored from version %d (now version %d).\n", wf.UUID, version, wf.Version)
				return nil
			})
		},
	}

	var n int
	schedule := &cobra.Command{
		Use:   "schedule <workflow-uuid>",
		Short: "Print the next fire times of a workflow's schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, root, func(svc usecase.WorkflowService, _ usecase.RunExplorer) error {
				times, err := svc.PreviewSchedule(cmd.Context(), args[0], n)
				if err != nil {
					return err
				}
				for _, t := range times {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	}
	schedule.Flags().IntVarP(&n, "count", "n", 5, "Number of fire times")

	cmd.AddCommand(apply, list, get, del, versions, rollback, schedule)
	return cmd
}

func applyWorkflow(cmd *cobra.Command, svc usecase.WorkflowService, wf *model.Workflow, actor string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if wf.UUID != "" {
		current, err := svc.Get(ctx, wf.UUID)
		switch {
		case err == nil:
			wf.Version = current.Version
			wf.CreatedAt = current.CreatedAt
			wf.CreatedBy = current.CreatedBy
			wf.UpdatedBy = actor
			if err := svc.Update(ctx, wf); err != nil {
				return explainValidation(out, err)
			}
			fmt.Fprintf(out, "Workflow %s updated (version %d).\n", wf.UUID, wf.Version)
			return nil
		case !errors.Is(err, repository.ErrWorkflowNotFound):
			return err
		}
	}
	wf.CreatedBy = actor
	if err := svc.Create(ctx, wf); err != nil {
		return explainValidation(out, err)
	}
	fmt.Fprintf(out, "Workflow %s created.\n", wf.UUID)
	return nil
}

// explainValidation lists every validation problem before returning err.
func explainValidation(w io.Writer, err error) error {
	problems := dsl.ValidationErrors(err)
	if len(problems) > 1 {
		for _, p := range problems {
			fmt.Fprintf(w, "  - %v\n", p)
		}
	}
	return err
}

func printWorkflows(w io.Writer, wfs []*model.Workflow) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tNAME\tKIND\tENABLED\tSCHEDULE\tVERSION")
	for _, wf := range wfs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\n", wf.UUID, wf.Name, wf.Kind, wf.Enabled, wf.Cron(), wf.Version)
	}
	_ = tw.Flush()
}

func workflowView(wf *model.Workflow) map[string]interface{} {
	return map[string]interface{}{
		"uuid":                wf.UUID,
		"name":                wf.Name,
		"description":         wf.Description,
		"kind":                wf.Kind,
		"enabled":             wf.Enabled,
		"schedule_cron":       wf.Cron(),
		"versioning_disabled": wf.VersioningDisabled,
		"version":             wf.Version,
		"config":              json.RawMessage(wf.Config),
		"updated_at":          wf.UpdatedAt,
		"updated_by":          wf.UpdatedBy,
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
