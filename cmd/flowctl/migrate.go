package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  flowctl migrate <subcommand> [args] [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration
  down-all    Rollback all migrations
  steps <n>   Apply (n > 0) or rollback (n < 0) n migrations
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  version     Show current migration version
  status      Show migration status
  info        Show database and migration information

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  flowctl migrate up
  flowctl migrate up --config /etc/flowengine/config.yaml
  flowctl migrate steps -1
  flowctl migrate goto 1
  flowctl migrate status --db-type sqlite --db-url "file:flowengine.db"`)
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(stderr)
		return fmt.Errorf("missing migrate subcommand")
	}
	subcommand := args[0]
	if subcommand == "help" || subcommand == "-h" || subcommand == "--help" {
		printMigrateUsage(stdout)
		return nil
	}

	fs := newFlagSet("migrate "+subcommand, stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	// steps -1 这样的负数参数不能交给 flag 解析
	subargs, rest := splitNumericArgs(args[1:])
	positional, err := parseArgs(fs, rest)
	if err != nil {
		return err
	}
	subargs = append(subargs, positional...)

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(stdout)
	return cli.Run(context.Background(), subcommand, subargs)
}

// createMigrator creates a migrator from command line flags.
// --db-type 与 --db-url 同时给出时不读取配置文件。
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, zap.NewNop())
	}

	_, cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, _ := initLogger(cfg.Log)
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromConfig(cfg, logger)
}

// splitNumericArgs 把开头的数字参数（包括负数）与其余参数分开
func splitNumericArgs(args []string) (numeric, rest []string) {
	for i, a := range args {
		if !isInteger(a) {
			return numeric, args[i:]
		}
		numeric = append(numeric, a)
	}
	return numeric, nil
}

func isInteger(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
