package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// syncSummary is printed after a sync
type syncSummary struct {
	Importer          string `json:"importer"`
	RepositoryVersion int64  `json:"repository_version"`
	Created           bool   `json:"created"`
	Added             int    `json:"added"`
	Removed           int    `json:"removed"`
	Downloaded        int    `json:"downloaded"`
	Packages          int    `json:"packages"`
	IndexHash         string `json:"index_hash"`
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync an importer into its repository",
		Long: `Fetch the importer's feed index and mirror it into a new repository version.
No version is created when the repository already matches the feed. The
outcome is recorded in the importer's sync status.`,
		RunE: runSync,
	}
	cmd.Flags().String("importer", "", "Name of the importer to sync (required)")
	if err := cmd.MarkFlagRequired("importer"); err != nil {
		panic(err)
	}
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	importer, err := cmd.Flags().GetString("importer")
	if err != nil {
		return fmt.Errorf("failed to get importer flag: %w", err)
	}

	mirror, cleanup, err := newMirror(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := mirror.Trigger(ctx, importer)
	if err != nil {
		return fmt.Errorf("sync of %s failed: %w", importer, err)
	}

	summary := syncSummary{
		Importer:   importer,
		Created:    result.Created,
		Added:      result.Added,
		Removed:    result.Removed,
		Downloaded: result.Downloaded,
		Packages:   result.Packages,
		IndexHash:  result.IndexHash.String(),
	}
	if result.RepositoryVersion != nil {
		summary.RepositoryVersion = result.RepositoryVersion.Number
	}
	return printJSON(cmd.OutOrStdout(), summary)
}
