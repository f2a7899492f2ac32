package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-etl/pkg/config"
	"github.com/ekaya-inc/ekaya-etl/pkg/database"
	"github.com/ekaya-inc/ekaya-etl/pkg/manifest"
)

var applyCmd = &cobra.Command{
	Use:   "apply <manifest.yaml>",
	Short: "Register the sources, operations and jobs declared in a manifest",
	Long: `apply loads sources, creates (and optionally executes) ETL operations and
schedules jobs from a YAML manifest, then prints a JSON report. With the
in-memory metadata database the results only live for this process, but the
output tables remain in the analytical store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.Load(args[0])
		if err != nil {
			return err
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := (&manifest.Applier{
			Sources:   a.sources,
			ETL:       a.etl,
			Scheduler: a.scheduler,
			Logger:    logger,
		}).Apply(cmd.Context(), m)
		if report != nil {
			if encErr := printJSON(report); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

var runJobCmd = &cobra.Command{
	Use:   "run-job <job-id>",
	Short: "Run one scheduled job now and print its run log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job id %q: %w", args[0], err)
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if cfg.Database.Type != config.DatabaseTypePostgres {
			return fmt.Errorf("run-job needs a persistent metadata database (database.type %q)", config.DatabaseTypePostgres)
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		runLog, err := a.scheduler.RunNow(cmd.Context(), id, "cli")
		if err != nil {
			return err
		}
		return printJSON(runLog)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending metadata database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if cfg.Database.Type != config.DatabaseTypePostgres {
			logger.Info("Metadata database is in memory; nothing to migrate")
			return nil
		}
		return database.OpenAndMigrate(cfg.Database.ConnectionString(), logger)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
