// Package config provides configuration loading and management for the mirror.
//
// Repositories, importers and publishers are declared in the YAML file and
// reconciled into the store at startup; they are never edited at runtime.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/nupkg-mirror/internal/artifactstore"
	"github.com/stacklok/nupkg-mirror/internal/changeset"
	"github.com/stacklok/nupkg-mirror/internal/feed"
	"github.com/stacklok/nupkg-mirror/internal/manifest"
	"github.com/stacklok/nupkg-mirror/internal/telemetry"
)

// ErrInvalidConfig is wrapped by every validation error
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	// StorageTypeFile keeps records in memory with a snapshot on disk
	StorageTypeFile = "file"

	// StorageTypePostgres keeps records in PostgreSQL
	StorageTypePostgres = "postgres"
)

const (
	// LockTypeLocal serializes jobs within one process
	LockTypeLocal = "local"

	// LockTypeFile serializes jobs across processes sharing a directory
	LockTypeFile = "file"

	// LockTypePostgres serializes jobs with PostgreSQL advisory locks
	LockTypePostgres = "postgres"
)

const (
	defaultDataDir       = "data"
	defaultServerAddress = ":8080"
	defaultBatchSize     = 100
	defaultConcurrency   = 4
)

// PasswordEnvVar is the environment variable consulted for the database password
const PasswordEnvVar = "NUPKG_MIRROR_DATABASE_PASSWORD"

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	Database  *DatabaseConfig `yaml:"database,omitempty"`
	Artifacts ArtifactsConfig `yaml:"artifacts,omitempty"`
	Locking   LockingConfig   `yaml:"locking,omitempty"`
	Transport TransportConfig `yaml:"transport,omitempty"`
	Sync      SyncConfig      `yaml:"sync,omitempty"`

	// WorkDir is the parent of per-job working directories. Defaults to the
	// system temporary directory.
	WorkDir string `yaml:"workDir,omitempty"`

	// StatusDir holds the persisted sync status of each importer
	StatusDir string `yaml:"statusDir,omitempty"`

	Repositories []RepositoryConfig `yaml:"repositories"`
	Importers    []ImporterConfig   `yaml:"importers,omitempty"`
	Publishers   []PublisherConfig  `yaml:"publishers,omitempty"`

	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// ServerConfig defines the distribution server settings
type ServerConfig struct {
	// Address is the listen address, ":8080" by default
	Address string `yaml:"address,omitempty"`
}

// StorageConfig selects the record store
type StorageConfig struct {
	// Type is "file" (default) or "postgres"
	Type string `yaml:"type,omitempty"`

	File *FileStorageConfig `yaml:"file,omitempty"`
}

// FileStorageConfig defines the file store settings
type FileStorageConfig struct {
	// Path of the snapshot file
	Path string `yaml:"path,omitempty"`
}

// ArtifactsConfig defines the local artifact store
type ArtifactsConfig struct {
	Path string `yaml:"path,omitempty"`

	// Compression is "none" (default) or "zstd"
	Compression string `yaml:"compression,omitempty"`
}

// LockingConfig selects the reservation backend that serializes jobs per repository
type LockingConfig struct {
	// Type is "local" (default), "file" or "postgres"
	Type string `yaml:"type,omitempty"`

	// Dir holds lock files when Type is "file"
	Dir string `yaml:"dir,omitempty"`
}

// TransportConfig defines how feeds and artifacts are fetched
type TransportConfig struct {
	// Timeout bounds a single request, e.g. "10m"
	Timeout string `yaml:"timeout,omitempty"`

	Retry *RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig defines transport retries
type RetryConfig struct {
	// MaxAttempts is the total number of tries per request. 1 disables retries.
	MaxAttempts int `yaml:"maxAttempts,omitempty"`
}

// SyncConfig tunes how change sets are applied
type SyncConfig struct {
	BatchSize   int `yaml:"batchSize,omitempty"`
	Concurrency int `yaml:"concurrency,omitempty"`
}

// RepositoryConfig declares a repository
type RepositoryConfig struct {
	Name string `yaml:"name"`
}

// ImporterConfig declares a remote feed that syncs into a repository
type ImporterConfig struct {
	Name       string `yaml:"name"`
	Repository string `yaml:"repository"`
	FeedURL    string `yaml:"feedURL"`

	// FeedFormat is "json" (default) or "manifest"
	FeedFormat string `yaml:"feedFormat,omitempty"`

	// DownloadPolicy is "immediate" (default), "on_demand" or "streamed"
	DownloadPolicy string `yaml:"downloadPolicy,omitempty"`

	// SyncPolicy enables periodic syncing; without it the importer only syncs on request
	SyncPolicy *SyncPolicyConfig `yaml:"syncPolicy,omitempty"`

	Filter *FilterConfig `yaml:"filter,omitempty"`
}

// PublisherConfig declares a publisher of a repository
type PublisherConfig struct {
	Name       string `yaml:"name"`
	Repository string `yaml:"repository"`

	// ManifestName is the manifest file name, PULP_MANIFEST by default
	ManifestName string `yaml:"manifestName,omitempty"`
}

// SyncPolicyConfig defines synchronization settings
type SyncPolicyConfig struct {
	Interval string `yaml:"interval"`
}

// FilterConfig defines which feed packages are mirrored
type FilterConfig struct {
	Names *NameFilterConfig `yaml:"names,omitempty"`
	Tags  *TagFilterConfig  `yaml:"tags,omitempty"`

	// RetainVersions keeps only the N newest versions of each package. 0 keeps all.
	RetainVersions int `yaml:"retainVersions,omitempty"`
}

// NameFilterConfig defines package id filtering with glob patterns
type NameFilterConfig struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// TagFilterConfig defines tag-based filtering
type TagFilterConfig struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxOpenConns is the maximum number of open connections to the database
	MaxOpenConns int32 `yaml:"maxOpenConns,omitempty"`

	// MaxIdleConns is the maximum number of idle connections in the pool
	MaxIdleConns int32 `yaml:"maxIdleConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from NUPKG_MIRROR_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(PasswordEnvVar); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or %s environment variable", PasswordEnvVar,
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)
	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// GetServerAddress returns the listen address of the distribution server
func (c *Config) GetServerAddress() string {
	if c.Server.Address == "" {
		return defaultServerAddress
	}
	return c.Server.Address
}

// GetStorageType returns the storage type, "file" when unset
func (c *Config) GetStorageType() string {
	if c.Storage.Type == "" {
		return StorageTypeFile
	}
	return c.Storage.Type
}

// GetStorePath returns the file store snapshot path
func (c *Config) GetStorePath() string {
	if c.Storage.File != nil && c.Storage.File.Path != "" {
		return c.Storage.File.Path
	}
	return filepath.Join(defaultDataDir, "store.cbor")
}

// GetArtifactsPath returns the root of the artifact store
func (c *Config) GetArtifactsPath() string {
	if c.Artifacts.Path == "" {
		return filepath.Join(defaultDataDir, "artifacts")
	}
	return c.Artifacts.Path
}

// GetStatusDir returns the directory holding importer sync status files
func (c *Config) GetStatusDir() string {
	if c.StatusDir == "" {
		return filepath.Join(defaultDataDir, "status")
	}
	return c.StatusDir
}

// GetLockType returns the reservation backend, "local" when unset
func (c *Config) GetLockType() string {
	if c.Locking.Type == "" {
		return LockTypeLocal
	}
	return c.Locking.Type
}

// GetLockDir returns the lock file directory for the file reservation backend
func (c *Config) GetLockDir() string {
	if c.Locking.Dir == "" {
		return filepath.Join(defaultDataDir, "locks")
	}
	return c.Locking.Dir
}

// GetTransportTimeout returns the per-request timeout, or 0 for the client default
func (c *Config) GetTransportTimeout() time.Duration {
	if c.Transport.Timeout == "" {
		return 0
	}
	// Validated in Validate
	d, _ := time.ParseDuration(c.Transport.Timeout)
	return d
}

// GetMaxAttempts returns the number of tries per transport request
func (c *Config) GetMaxAttempts() int {
	if c.Transport.Retry == nil || c.Transport.Retry.MaxAttempts < 1 {
		return 1
	}
	return c.Transport.Retry.MaxAttempts
}

// GetBatchSize returns the change set batch size
func (c *Config) GetBatchSize() int {
	if c.Sync.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Sync.BatchSize
}

// GetConcurrency returns the per-batch fetch concurrency
func (c *Config) GetConcurrency() int {
	if c.Sync.Concurrency <= 0 {
		return defaultConcurrency
	}
	return c.Sync.Concurrency
}

// GetImporter returns the importer declared with name
func (c *Config) GetImporter(name string) (*ImporterConfig, bool) {
	for i := range c.Importers {
		if c.Importers[i].Name == name {
			return &c.Importers[i], true
		}
	}
	return nil, false
}

// GetPublisher returns the publisher declared with name
func (c *Config) GetPublisher(name string) (*PublisherConfig, bool) {
	for i := range c.Publishers {
		if c.Publishers[i].Name == name {
			return &c.Publishers[i], true
		}
	}
	return nil, false
}

// GetManifestName returns the manifest file name
func (p *PublisherConfig) GetManifestName() string {
	if p.ManifestName == "" {
		return manifest.DefaultFileName
	}
	return p.ManifestName
}

// GetInterval returns the sync interval, or 0 when periodic sync is disabled
func (i *ImporterConfig) GetInterval() time.Duration {
	if i.SyncPolicy == nil || i.SyncPolicy.Interval == "" {
		return 0
	}
	// Validated in Validate
	d, _ := time.ParseDuration(i.SyncPolicy.Interval)
	return d
}

// GetDownloadPolicy returns the download policy name, "immediate" when unset
func (i *ImporterConfig) GetDownloadPolicy() string {
	if i.DownloadPolicy == "" {
		return string(changeset.PolicyImmediate)
	}
	return i.DownloadPolicy
}

// GetFeedFormat returns the feed format name, "json" when unset
func (i *ImporterConfig) GetFeedFormat() string {
	if i.FeedFormat == "" {
		return string(feed.FormatJSON)
	}
	return i.FeedFormat
}

// Validate performs validation on the configuration. Every returned error
// wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
	}

	var errs []error
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateRuntime()...)
	errs = append(errs, c.validateObjects()...)
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateStorage() []error {
	var errs []error
	switch c.GetStorageType() {
	case StorageTypeFile:
	case StorageTypePostgres:
		if c.Database == nil {
			errs = append(errs, fmt.Errorf("database configuration is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be %s or %s, got %q",
			StorageTypeFile, StorageTypePostgres, c.Storage.Type))
	}

	switch c.GetLockType() {
	case LockTypeLocal, LockTypeFile:
	case LockTypePostgres:
		if c.GetStorageType() != StorageTypePostgres {
			errs = append(errs, fmt.Errorf("locking.type postgres requires postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("locking.type must be %s, %s or %s, got %q",
			LockTypeLocal, LockTypeFile, LockTypePostgres, c.Locking.Type))
	}

	if _, err := artifactstore.ParseCompression(c.Artifacts.Compression); err != nil {
		errs = append(errs, fmt.Errorf("artifacts.compression: %w", err))
	}
	return errs
}

func (c *Config) validateRuntime() []error {
	var errs []error
	if c.Transport.Timeout != "" {
		if d, err := time.ParseDuration(c.Transport.Timeout); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("transport.timeout must be a positive duration, got %q", c.Transport.Timeout))
		}
	}
	if c.Transport.Retry != nil && c.Transport.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.retry.maxAttempts must not be negative"))
	}
	if c.Sync.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("sync.batchSize must not be negative"))
	}
	if c.Sync.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("sync.concurrency must not be negative"))
	}
	return errs
}

func (c *Config) validateObjects() []error {
	var errs []error
	if len(c.Repositories) == 0 {
		errs = append(errs, fmt.Errorf("at least one repository must be configured"))
	}

	repositories := make(map[string]bool)
	for i, repo := range c.Repositories {
		if repo.Name == "" {
			errs = append(errs, fmt.Errorf("repositories[%d]: name is required", i))
			continue
		}
		if repositories[repo.Name] {
			errs = append(errs, fmt.Errorf("repositories[%d]: duplicate repository name '%s'", i, repo.Name))
		}
		repositories[repo.Name] = true
	}

	importers := make(map[string]bool)
	for i := range c.Importers {
		imp := &c.Importers[i]
		prefix := fmt.Sprintf("importers[%d] (%s)", i, imp.Name)
		if imp.Name == "" {
			errs = append(errs, fmt.Errorf("importers[%d]: name is required", i))
		} else if importers[imp.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate importer name", prefix))
		}
		importers[imp.Name] = true
		if !repositories[imp.Repository] {
			errs = append(errs, fmt.Errorf("%s: unknown repository '%s'", prefix, imp.Repository))
		}
		errs = append(errs, validateImporter(imp, prefix)...)
	}

	publishers := make(map[string]bool)
	for i := range c.Publishers {
		pub := &c.Publishers[i]
		prefix := fmt.Sprintf("publishers[%d] (%s)", i, pub.Name)
		if pub.Name == "" {
			errs = append(errs, fmt.Errorf("publishers[%d]: name is required", i))
		} else if publishers[pub.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate publisher name", prefix))
		}
		publishers[pub.Name] = true
		if !repositories[pub.Repository] {
			errs = append(errs, fmt.Errorf("%s: unknown repository '%s'", prefix, pub.Repository))
		}
		if strings.ContainsAny(pub.ManifestName, "/\\") {
			errs = append(errs, fmt.Errorf("%s: manifestName must be a file name", prefix))
		}
	}
	return errs
}

// validateImporter checks the fields of one importer. A missing feed URL is
// not an error here: it is reported when the importer is synced.
func validateImporter(imp *ImporterConfig, prefix string) []error {
	var errs []error
	if imp.FeedURL != "" {
		if _, err := url.Parse(imp.FeedURL); err != nil {
			errs = append(errs, fmt.Errorf("%s: feedURL: %w", prefix, err))
		}
	}
	if _, err := feed.ParseFormat(imp.FeedFormat); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
	}
	if _, err := changeset.ParsePolicy(imp.DownloadPolicy); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
	}
	if imp.SyncPolicy != nil && imp.SyncPolicy.Interval != "" {
		if d, err := time.ParseDuration(imp.SyncPolicy.Interval); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf(
				"%s: syncPolicy.interval must be a valid duration (e.g., '30m', '1h'), got %q",
				prefix, imp.SyncPolicy.Interval))
		}
	}
	if imp.Filter != nil {
		errs = append(errs, validateFilter(imp.Filter, prefix)...)
	}
	return errs
}

func validateFilter(f *FilterConfig, prefix string) []error {
	var errs []error
	if f.RetainVersions < 0 {
		errs = append(errs, fmt.Errorf("%s: filter.retainVersions must not be negative", prefix))
	}
	if f.Names != nil {
		for _, pattern := range append(append([]string{}, f.Names.Include...), f.Names.Exclude...) {
			if _, err := glob.Compile(pattern); err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid name pattern '%s': %w", prefix, pattern, err))
			}
		}
	}
	return errs
}
