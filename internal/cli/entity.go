package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/entiflow/internal/app"
	model "github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/entity"
)

type definitionDocument struct {
	EntityType string `yaml:"entity_type"`
	Fields     []struct {
		Name     string `yaml:"name"`
		Type     string `yaml:"type"`
		Required bool   `yaml:"required"`
		Unique   bool   `yaml:"unique"`
	} `yaml:"fields"`
}

func decodeDefinition(data []byte) (*model.EntityDefinition, error) {
	var doc definitionDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid entity definition document: %w", err)
	}
	def := &model.EntityDefinition{EntityType: doc.EntityType}
	for _, f := range doc.Fields {
		def.Fields = append(def.Fields, model.FieldDefinition{
			Name:     f.Name,
			Type:     model.FieldType(f.Type),
			Required: f.Required,
			Unique:   f.Unique,
		})
	}
	return def, nil
}

type entityServices struct {
	fx.In
	Definitions *entity.CachedDefinitionService
	Store       *entity.DefinitionStore
	Resolver    *entity.Resolver
}

func withEntities(cmd *cobra.Command, root *rootOptions, fn func(s entityServices) error) error {
	appOpts, err := root.appOptions()
	if err != nil {
		return err
	}
	var services entityServices
	stop, err := app.Start(cmd.Context(),
		app.Infrastructure(appOpts),
		fx.Invoke(func(s entityServices) { services = s }),
	)
	if err != nil {
		return err
	}
	defer func() { _ = stop() }()
	return fn(services)
}

func newEntityCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Manage entity definitions and inspect entities",
	}

	var file string
	define := &cobra.Command{
		Use:   "define",
		Short: "Create or replace an entity definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			def, err := decodeDefinition(data)
			if err != nil {
				return err
			}
			return withEntities(cmd, root, func(s entityServices) error {
				if err := s.Definitions.Save(cmd.Context(), def); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Entity definition %s saved (%d fields).\n", def.EntityType, len(def.Fields))
				return nil
			})
		},
	}
	define.Flags().StringVarP(&file, "file", "f", "-", "Definition document ('-' reads stdin)")

	definitions := &cobra.Command{
		Use:   "definitions",
		Short: "List entity definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEntities(cmd, root, func(s entityServices) error {
				defs, err := s.Store.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tFIELDS")
				for _, d := range defs {
					names := make([]string, len(d.Fields))
					for i, f := range d.Fields {
						names[i] = f.Name + ":" + string(f.Type)
					}
					fmt.Fprintf(tw, "%s\t%s\n", d.EntityType, strings.Join(names, ", "))
				}
				return tw.Flush()
			})
		},
	}

	var (
		limit   int
		filters []string
	)
	list := &cobra.Command{
		Use:   "list <entity-type>",
		Short: "Print the entities of a type as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make(map[string]interface{}, len(filters))
			for _, f := range filters {
				k, v, ok := strings.Cut(f, "=")
				if !ok {
					return fmt.Errorf("filter %q is not field=value", f)
				}
				filter[k] = v
			}
			return withEntities(cmd, root, func(s entityServices) error {
				records, err := s.Resolver.ListEntities(cmd.Context(), args[0], filter, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "Maximum number of entities (0 lists all)")
	list.Flags().StringArrayVar(&filters, "filter", nil, "Only entities whose field equals a value (field=value, repeatable)")

	cmd.AddCommand(define, definitions, list)
	return cmd
}
