package main

import (
	"context"
	_ "embed"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tigerroll/entiflow/internal/cli"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// embeddedConfig is the default application configuration bundled into the binary.
//
//go:embed resources/application.yaml
var embeddedConfig []byte

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cli.NewRootCommand(embeddedConfig).ExecuteContext(ctx)
	logger.Sync()
	if err != nil {
		logger.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}
