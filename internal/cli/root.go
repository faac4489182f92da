// Package cli implements the entiflow command line.
package cli

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/tigerroll/entiflow/internal/app"
	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	embedded    config.EmbeddedConfig
	configFile  string
	envFilePath string
	actor       string
}

// appOptions returns the configuration the fx application is built from. A --config file
// replaces the embedded document.
func (o *rootOptions) appOptions() (app.Options, error) {
	data := o.embedded
	if o.configFile != "" {
		b, err := os.ReadFile(o.configFile)
		if err != nil {
			return app.Options{}, fmt.Errorf("failed to read config file %s: %w", o.configFile, err)
		}
		data = b
	}
	return app.Options{Config: data, EnvFilePath: o.envFilePath}, nil
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

// NewRootCommand creates the entiflow command tree on top of the embedded configuration.
func NewRootCommand(embedded config.EmbeddedConfig) *cobra.Command {
	opts := &rootOptions{embedded: embedded}
	cmd := &cobra.Command{
		Use:           "entiflow",
		Short:         "Workflow execution engine for dynamic entities",
		Long:          "entiflow fetches, transforms and persists records into dynamic entities, and pushes entities to external destinations.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	envDefault := os.Getenv("ENV_FILE_PATH")
	if envDefault == "" {
		envDefault = ".env"
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Configuration file replacing the embedded application.yaml")
	cmd.PersistentFlags().StringVar(&opts.envFilePath, "env-file", envDefault, "Path of the .env file")
	cmd.PersistentFlags().StringVar(&opts.actor, "actor", defaultActor(), "Identity recorded on runs and definitions")

	cmd.AddCommand(
		newServeCommand(opts),
		newRunCommand(opts),
		newCancelCommand(opts),
		newMigrateCommand(opts),
		newCronCommand(),
		newPruneCommand(opts),
		newWorkflowCommand(opts),
		newEntityCommand(opts),
		newRunsCommand(opts),
	)
	return cmd
}
