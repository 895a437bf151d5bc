package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stacklok/nupkg-mirror/database"
)

func newMigrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Migrate the database down",
		Long: `Migrate the database schema down by reverting migrations.
WARNING: This operation can result in data loss. Use with caution.

Examples:
  # Migrate down by 1 step
  nupkg-mirror migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: destroys all data)
  nupkg-mirror migrate down --config config.yaml --yes`,
		RunE: runMigrateDown,
	}
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	steps, err := numSteps(cmd)
	if err != nil {
		return err
	}

	m, target, err := setupMigration()
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	prompt := fmt.Sprintf("WARNING: This will migrate %s down ALL steps and may result in complete data loss. Continue?", target)
	if steps > 0 {
		prompt = fmt.Sprintf("WARNING: This will migrate %s down %d step(s) and may result in data loss. Continue?", target, steps)
	}
	ok, err := confirm(cmd, prompt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("migration cancelled by user")
	}

	if steps == 0 {
		slog.Warn("Migrating down all steps, this will remove all schema")
		err = m.Down()
	} else {
		slog.Info("Migrating down", "steps", steps)
		err = m.Steps(-steps)
	}
	if err := database.IgnoreNoChange(err); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	displayMigrationVersion(m)
	return nil
}
