package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/nupkg-mirror/internal/config"
	"github.com/stacklok/nupkg-mirror/internal/store"
)

// ReconcileConfig ensures every repository, importer and publisher declared
// in the configuration exists in the store. It is idempotent and safe to call
// on every startup.
//
// Importers and publishers are updated in place when their settings change.
// Records of objects removed from the configuration are left untouched.
func ReconcileConfig(ctx context.Context, cfg *config.Config, s store.Store) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if s == nil {
		return fmt.Errorf("store is required")
	}

	slog.Info("Reconciling configured objects",
		"repositories", len(cfg.Repositories),
		"importers", len(cfg.Importers),
		"publishers", len(cfg.Publishers))

	repos := make(map[string]*store.Repository, len(cfg.Repositories))
	for _, rc := range cfg.Repositories {
		repo, err := s.EnsureRepository(ctx, rc.Name)
		if err != nil {
			return fmt.Errorf("failed to ensure repository %s: %w", rc.Name, err)
		}
		repos[rc.Name] = repo
	}

	for i := range cfg.Importers {
		ic := &cfg.Importers[i]
		repo, ok := repos[ic.Repository]
		if !ok {
			return fmt.Errorf("%w: importer %s references unknown repository %s",
				config.ErrInvalidConfig, ic.Name, ic.Repository)
		}
		imp, err := s.EnsureImporter(ctx, &store.Importer{
			Name:           ic.Name,
			RepositoryID:   repo.ID,
			FeedURL:        ic.FeedURL,
			FeedFormat:     ic.GetFeedFormat(),
			DownloadPolicy: ic.GetDownloadPolicy(),
		})
		if err != nil {
			return fmt.Errorf("failed to ensure importer %s: %w", ic.Name, err)
		}
		slog.Debug("Reconciled importer", "importer", imp.Name, "repository", ic.Repository, "id", imp.ID)
	}

	for i := range cfg.Publishers {
		pc := &cfg.Publishers[i]
		repo, ok := repos[pc.Repository]
		if !ok {
			return fmt.Errorf("%w: publisher %s references unknown repository %s",
				config.ErrInvalidConfig, pc.Name, pc.Repository)
		}
		pub, err := s.EnsurePublisher(ctx, &store.Publisher{
			Name:         pc.Name,
			RepositoryID: repo.ID,
			ManifestName: pc.GetManifestName(),
		})
		if err != nil {
			return fmt.Errorf("failed to ensure publisher %s: %w", pc.Name, err)
		}
		slog.Debug("Reconciled publisher", "publisher", pub.Name, "repository", pc.Repository, "id", pub.ID)
	}

	return nil
}
