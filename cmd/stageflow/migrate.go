package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/internal/migration"
	"github.com/BaSui01/stageflow/workflow"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles `stageflow migrate <subcommand> [options] [args]`
func runMigrate(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage(stdout)
		if len(args) < 1 {
			return workflow.ExitError
		}
		return workflow.ExitCompleted
	}

	subcommand := args[0]
	fs := flag.NewFlagSet("migrate "+subcommand, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	positional, err := parseArgs(fs, args[1:])
	if err != nil {
		return workflow.ExitError
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return workflow.ExitError
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(stdout)
	if err := cli.Run(context.Background(), subcommand, positional); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return workflow.ExitError
	}
	return workflow.ExitCompleted
}

// createMigrator 优先使用 --db-type/--db-url，否则读取配置文件的 database 段
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, zap.NewNop())
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, initLogger(cfg.Log))
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(w io.Writer) {
	fmt.Fprintf(w, `Database Migration Commands

Usage:
  stageflow migrate <subcommand> [options] [args]

Subcommands:
  %s

  up        Apply all pending migrations
  down      Rollback the last migration
  down-all  Rollback all migrations
  steps <n> Apply (n > 0) or rollback (n < 0) n migrations
  goto <v>  Migrate to a specific version
  force <v> Force set migration version (use with caution)
  version   Show current migration version
  status    Show migration status
  info      Show migration summary

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  stageflow migrate up
  stageflow migrate up --config /etc/stageflow/config.yaml
  stageflow migrate status --db-type sqlite --db-url "file:./stageflow.db"
  stageflow migrate goto 1
`, strings.Join(migration.Commands, ", "))
}
