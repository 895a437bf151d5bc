package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Meter names, one per instrumented subsystem
const (
	SyncMeterName         = "github.com/stacklok/nupkg-mirror/sync"
	PublishMeterName      = "github.com/stacklok/nupkg-mirror/publish"
	DistributionMeterName = "github.com/stacklok/nupkg-mirror/distribution"
)

var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900}

// SyncMetrics records sync runs. A nil *SyncMetrics records nothing.
type SyncMetrics struct {
	duration   metric.Float64Histogram
	added      metric.Int64Counter
	removed    metric.Int64Counter
	downloaded metric.Int64Counter
	content    metric.Int64Gauge
}

// NewSyncMetrics creates the sync instruments. A nil provider returns nil.
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(SyncMeterName)

	duration, err := meter.Float64Histogram("nupkg_mirror_sync_duration_seconds",
		metric.WithDescription("Duration of sync runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...))
	if err != nil {
		return nil, err
	}
	added, err := meter.Int64Counter("nupkg_mirror_content_added_total",
		metric.WithDescription("Content units added to repository versions"),
		metric.WithUnit("{unit}"))
	if err != nil {
		return nil, err
	}
	removed, err := meter.Int64Counter("nupkg_mirror_content_removed_total",
		metric.WithDescription("Content units removed from repository versions"),
		metric.WithUnit("{unit}"))
	if err != nil {
		return nil, err
	}
	downloaded, err := meter.Int64Counter("nupkg_mirror_artifacts_downloaded_total",
		metric.WithDescription("Artifacts fetched and verified during sync"),
		metric.WithUnit("{artifact}"))
	if err != nil {
		return nil, err
	}
	content, err := meter.Int64Gauge("nupkg_mirror_repository_content",
		metric.WithDescription("Content units in the latest repository version"),
		metric.WithUnit("{unit}"))
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		duration:   duration,
		added:      added,
		removed:    removed,
		downloaded: downloaded,
		content:    content,
	}, nil
}

// RecordSync records one sync run of an importer
func (m *SyncMetrics) RecordSync(
	ctx context.Context, importer string, duration time.Duration, added, removed, downloaded int, err error,
) {
	if m == nil {
		return
	}
	imp := attribute.String("importer", importer)
	m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(imp, attribute.Bool("success", err == nil)))
	if err != nil {
		return
	}
	m.added.Add(ctx, int64(added), metric.WithAttributes(imp))
	m.removed.Add(ctx, int64(removed), metric.WithAttributes(imp))
	m.downloaded.Add(ctx, int64(downloaded), metric.WithAttributes(imp))
}

// RecordContent records the size of a repository's latest version
func (m *SyncMetrics) RecordContent(ctx context.Context, repository string, units int64) {
	if m == nil {
		return
	}
	m.content.Record(ctx, units, metric.WithAttributes(attribute.String("repository", repository)))
}

// PublishMetrics records publications. A nil *PublishMetrics records nothing.
type PublishMetrics struct {
	duration metric.Float64Histogram
	entries  metric.Int64Gauge
}

// NewPublishMetrics creates the publish instruments. A nil provider returns nil.
func NewPublishMetrics(provider metric.MeterProvider) (*PublishMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(PublishMeterName)

	duration, err := meter.Float64Histogram("nupkg_mirror_publish_duration_seconds",
		metric.WithDescription("Duration of publish runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...))
	if err != nil {
		return nil, err
	}
	entries, err := meter.Int64Gauge("nupkg_mirror_published_entries",
		metric.WithDescription("Manifest entries of the latest publication"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, err
	}
	return &PublishMetrics{duration: duration, entries: entries}, nil
}

// RecordPublish records one publish run. entries is only recorded on success.
func (m *PublishMetrics) RecordPublish(
	ctx context.Context, publisher string, duration time.Duration, entries int, err error,
) {
	if m == nil {
		return
	}
	pub := attribute.String("publisher", publisher)
	m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(pub, attribute.Bool("success", err == nil)))
	if err == nil {
		m.entries.Record(ctx, int64(entries), metric.WithAttributes(pub))
	}
}

// Artifact sources reported by DistributionMetrics
const (
	SourceLocal    = "local"
	SourcePromoted = "promoted"
	SourceStreamed = "streamed"
)

// DistributionMetrics records served artifacts. A nil value records nothing.
type DistributionMetrics struct {
	served metric.Int64Counter
	bytes  metric.Int64Counter
}

// NewDistributionMetrics creates the distribution instruments. A nil provider returns nil.
func NewDistributionMetrics(provider metric.MeterProvider) (*DistributionMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(DistributionMeterName)

	served, err := meter.Int64Counter("nupkg_mirror_artifacts_served_total",
		metric.WithDescription("Artifacts served, by where the bytes came from"),
		metric.WithUnit("{artifact}"))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Counter("nupkg_mirror_artifact_bytes_served_total",
		metric.WithDescription("Artifact bytes served"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &DistributionMetrics{served: served, bytes: bytes}, nil
}

// RecordServed records one served artifact
func (m *DistributionMetrics) RecordServed(ctx context.Context, repository, source string, size int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("repository", repository), attribute.String("source", source))
	m.served.Add(ctx, 1, attrs)
	if size > 0 {
		m.bytes.Add(ctx, size, attrs)
	}
}
