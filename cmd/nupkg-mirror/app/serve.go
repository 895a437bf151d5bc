package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mirrorapp "github.com/stacklok/nupkg-mirror/internal/app"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve published repositories and sync importers in the background",
		Long: `Start the distribution server and the background sync coordinator.

The configuration file (--config) declares:
- Storage, locking and artifact settings
- Repositories, importers with their feeds, filters and sync policies
- Publishers

Importers with a sync policy are synced on their interval. Published
repositories are served under /pulp/content/<repository>/.`,
		RunE: runServe,
	}
	cmd.Flags().String("address", "", "Address to listen on (overrides server.address)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	var opts []mirrorapp.MirrorAppOptions
	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return err
	}
	if address != "" {
		opts = append(opts, mirrorapp.WithAddress(address))
	}

	mirror, cleanup, err := newMirror(ctx, cmd, opts...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- mirror.Start()
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-errCh:
		cleanup()
		return err
	}

	cleanup()
	return <-errCh
}
