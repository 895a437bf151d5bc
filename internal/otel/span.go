// Package otel holds small OpenTelemetry helpers shared by the sync, publish
// and distribution code paths.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on spans across the service
const (
	AttrRepositoryName = attribute.Key("repository.name")
	AttrImporterName   = attribute.Key("importer.name")
	AttrPublisherName  = attribute.Key("publisher.name")
	AttrVersionNumber  = attribute.Key("repository.version")
	AttrFeedURL        = attribute.Key("feed.url")
	AttrDownloadPolicy = attribute.Key("feed.download_policy")
	AttrContentAdded   = attribute.Key("content.added")
	AttrContentRemoved = attribute.Key("content.removed")
	AttrEntryCount     = attribute.Key("manifest.entries")
	AttrRelativePath   = attribute.Key("content.relative_path")
)

// StartSpan starts a span on tracer, or returns the span already in ctx when
// tracer is nil so callers never need to check whether tracing is enabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks the span failed. The status
// description stays generic; the error text is only in the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
