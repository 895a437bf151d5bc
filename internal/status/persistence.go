// Package status provides sync status tracking and persistence for importers.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:generate mockgen -destination=mocks/mock_status_persistence.go -package=mocks -source=persistence.go StatusPersistence

const (
	// StatusFileName is the name of the status file
	StatusFileName = "status.yaml"
)

// StatusPersistence defines the interface for sync status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the sync status of an importer
	SaveStatus(ctx context.Context, importerName string, status *SyncStatus) error

	// LoadStatus loads the sync status of an importer.
	// Returns an empty SyncStatus if none was saved yet (first run).
	LoadStatus(ctx context.Context, importerName string) (*SyncStatus, error)

	// LoadAllStatus loads the sync status of every importer
	LoadAllStatus(ctx context.Context) (map[string]*SyncStatus, error)
}

// fileStatusPersistence implements StatusPersistence using local filesystem
type fileStatusPersistence struct {
	basePath string
}

// NewFileStatusPersistence creates a new file-based status persistence.
// basePath is the directory holding one subdirectory per importer.
func NewFileStatusPersistence(basePath string) StatusPersistence {
	return &fileStatusPersistence{
		basePath: basePath,
	}
}

func (f *fileStatusPersistence) statusPath(importerName string) (string, error) {
	if !filepath.IsLocal(importerName) || filepath.Base(importerName) != importerName {
		return "", fmt.Errorf("invalid importer name %q", importerName)
	}
	return filepath.Join(f.basePath, importerName, StatusFileName), nil
}

// SaveStatus saves the sync status to a YAML file in an importer-specific directory
func (f *fileStatusPersistence) SaveStatus(_ context.Context, importerName string, status *SyncStatus) error {
	filePath, err := f.statusPath(importerName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return fmt.Errorf("failed to create status directory for importer '%s': %w", importerName, err)
	}

	data, err := yaml.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status data for importer '%s': %w", importerName, err)
	}

	// Write to temporary file first for atomic operation
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file for importer '%s': %w", importerName, err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file for importer '%s': %w", importerName, err)
	}

	return nil
}

// LoadStatus loads the sync status of an importer from its YAML file
func (f *fileStatusPersistence) LoadStatus(_ context.Context, importerName string) (*SyncStatus, error) {
	filePath, err := f.statusPath(importerName)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- filePath is basePath joined with a validated single path element
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &SyncStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file for importer '%s': %w", importerName, err)
	}

	var status SyncStatus
	if err := yaml.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data for importer '%s': %w", importerName, err)
	}

	return &status, nil
}

// LoadAllStatus loads the sync status of every importer with a status directory.
// Unreadable entries are logged and skipped.
func (f *fileStatusPersistence) LoadAllStatus(ctx context.Context) (map[string]*SyncStatus, error) {
	result := make(map[string]*SyncStatus)

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to read status directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		importerName := entry.Name()
		status, err := f.LoadStatus(ctx, importerName)
		if err != nil {
			slog.Warn("Skipping unreadable sync status", "importer", importerName, "error", err)
			continue
		}

		result[importerName] = status
	}

	return result, nil
}
