package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/klyne-ingest/internal/config"
	"example.com/klyne-ingest/internal/logging"
	"example.com/klyne-ingest/internal/storage"
	"example.com/klyne-ingest/internal/storage/postgres"
	"example.com/klyne-ingest/internal/storage/sqlite"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "events-api",
		Short: "Package analytics ingestion service",
		Long: `events-api accepts usage events from the Python SDK, authenticates them
by API key, enforces a per-key hourly quota and stores them.

Examples:
  # Create the schema
  events-api migrate

  # Issue a key for a package
  events-api keys create --package requests

  # Run the HTTP server
  events-api serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default: $CONFIG_FILE)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newKeysCmd(opts),
		newWindowsCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// openStore connects to the configured backend. The caller closes it.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverPostgres:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}
