package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stacklok/nupkg-mirror/internal/jobs"
	"github.com/stacklok/nupkg-mirror/internal/publish"
)

// publishSummary is printed after a publication
type publishSummary struct {
	Publisher      string `json:"publisher"`
	Publication    string `json:"publication"`
	Version        int64  `json:"version"`
	Entries        int    `json:"entries"`
	ManifestDigest string `json:"manifest_digest"`
}

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a repository version",
		Long: `Publish a version of the publisher's repository. The publication holds every
content artifact of the version and a PULP_MANIFEST listing them. Nothing is
published unless every artifact resolves.`,
		RunE: runPublish,
	}
	cmd.Flags().String("publisher", "", "Name of the publisher (required)")
	cmd.Flags().String("repository", "", "Repository to publish (defaults to the publisher's repository)")
	cmd.Flags().Int64("version", publish.LatestVersion, "Repository version to publish (-1 = latest)")
	if err := cmd.MarkFlagRequired("publisher"); err != nil {
		panic(err)
	}
	return cmd
}

func runPublish(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := cmd.Flags().GetString("publisher")
	if err != nil {
		return fmt.Errorf("failed to get publisher flag: %w", err)
	}
	repository, err := cmd.Flags().GetString("repository")
	if err != nil {
		return fmt.Errorf("failed to get repository flag: %w", err)
	}
	number, err := cmd.Flags().GetInt64("version")
	if err != nil {
		return fmt.Errorf("failed to get version flag: %w", err)
	}

	mirror, cleanup, err := newMirror(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	h := mirror.PublishVersion(ctx, publisher, repository, number)
	out, err := h.Wait(ctx)
	if err != nil {
		return fmt.Errorf("publish with %s failed (%s): %w", publisher, jobs.ErrorKind(err), err)
	}
	result, ok := out.(*publish.Result)
	if !ok {
		return fmt.Errorf("publish job %s returned %T", h.ID, out)
	}

	return printJSON(cmd.OutOrStdout(), publishSummary{
		Publisher:      publisher,
		Publication:    result.Publication.ID.String(),
		Version:        result.Publication.VersionNumber,
		Entries:        result.Entries,
		ManifestDigest: result.ManifestDigest.String(),
	})
}
