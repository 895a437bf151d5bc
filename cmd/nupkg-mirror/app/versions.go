package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/nupkg-mirror/internal/store"
)

type versionRow struct {
	Number  int64     `json:"number"`
	Created time.Time `json:"created"`
	Added   int       `json:"added"`
	Removed int       `json:"removed"`
}

func newVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "List the versions of a repository",
		RunE:  runVersions,
	}
	cmd.PersistentFlags().String("repository", "", "Name of the repository (required)")
	cmd.Flags().String("format", "", "Output format (json)")
	if err := cmd.MarkPersistentFlagRequired("repository"); err != nil {
		panic(err)
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a superseded repository version",
		Long: `Delete a repository version. The latest version and versions referenced by a
publication cannot be deleted. Content is never deleted.`,
		RunE: runDeleteVersion,
	}
	deleteCmd.Flags().Int64("number", 0, "Version number to delete (required)")
	if err := deleteCmd.MarkFlagRequired("number"); err != nil {
		panic(err)
	}
	cmd.AddCommand(deleteCmd)
	return cmd
}

func runVersions(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	repository, err := cmd.Flags().GetString("repository")
	if err != nil {
		return fmt.Errorf("failed to get repository flag: %w", err)
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}

	mirror, cleanup, err := newMirror(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := mirror.Versions(ctx, repository)
	if err != nil {
		return err
	}
	return writeVersions(cmd, format, list)
}

func writeVersions(cmd *cobra.Command, format string, list []*store.RepositoryVersion) error {
	rows := make([]versionRow, 0, len(list))
	for _, v := range list {
		rows = append(rows, versionRow{Number: v.Number, Created: v.Created, Added: v.Added, Removed: v.Removed})
	}
	if format == "json" {
		return printJSON(cmd.OutOrStdout(), rows)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tCREATED\tADDED\tREMOVED")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%d\n", r.Number, r.Created.UTC().Format(time.RFC3339), r.Added, r.Removed)
	}
	return tw.Flush()
}

func runDeleteVersion(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	repository, err := cmd.Flags().GetString("repository")
	if err != nil {
		return fmt.Errorf("failed to get repository flag: %w", err)
	}
	number, err := cmd.Flags().GetInt64("number")
	if err != nil {
		return fmt.Errorf("failed to get number flag: %w", err)
	}

	mirror, cleanup, err := newMirror(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := mirror.DeleteVersion(ctx, repository, number).Wait(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted version %d of %s\n", number, repository)
	return err
}
