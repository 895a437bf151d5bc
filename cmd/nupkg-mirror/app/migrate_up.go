package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stacklok/nupkg-mirror/database"
)

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		Long: `Apply pending database migrations to bring the schema up to date.
The database connection parameters are read from the config file.`,
		RunE: runMigrateUp,
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	steps, err := numSteps(cmd)
	if err != nil {
		return err
	}

	m, target, err := setupMigration()
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	ok, err := confirm(cmd, fmt.Sprintf("About to apply migrations to %s. Continue?", target))
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("Migration cancelled by user")
		return nil
	}

	slog.Info("Applying database migrations", "target", target, "steps", steps)
	if steps == 0 {
		err = m.Up()
	} else {
		err = m.Steps(steps)
	}
	if err := database.IgnoreNoChange(err); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	displayMigrationVersion(m)
	return nil
}
