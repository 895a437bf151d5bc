package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingTracer(t *testing.T) (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, tp
}

func TestStartSpan(t *testing.T) {
	t.Parallel()

	t.Run("without tracer keeps the parent span", func(t *testing.T) {
		t.Parallel()
		exporter, tp := recordingTracer(t)
		parentCtx, parent := tp.Tracer("mirror").Start(context.Background(), "publish.Publish")

		ctx, span := StartSpan(parentCtx, nil, "manifest.write")
		assert.Equal(t, parentCtx, ctx)
		assert.Equal(t, parent.SpanContext(), span.SpanContext())

		parent.End()
		require.Len(t, exporter.GetSpans(), 1)
	})

	t.Run("without tracer or parent is a no-op", func(t *testing.T) {
		t.Parallel()
		_, span := StartSpan(context.Background(), nil, "sync.Sync")
		assert.False(t, span.SpanContext().IsValid())
		assert.NotPanics(t, func() { span.End() })
	})

	t.Run("with tracer records attributes", func(t *testing.T) {
		t.Parallel()
		exporter, tp := recordingTracer(t)

		_, span := StartSpan(context.Background(), tp.Tracer("mirror"), "sync.Sync")
		span.SetAttributes(
			AttrRepositoryName.String("nuget"),
			AttrImporterName.String("nuget-org"),
			AttrVersionNumber.Int64(3),
		)
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "sync.Sync", spans[0].Name)
		got := map[string]any{}
		for _, kv := range spans[0].Attributes {
			got[string(kv.Key)] = kv.Value.AsInterface()
		}
		assert.Equal(t, map[string]any{
			"repository.name":    "nuget",
			"importer.name":      "nuget-org",
			"repository.version": int64(3),
		}, got)
	})
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantCode   codes.Code
		wantEvents int
	}{
		{name: "nil error leaves span untouched", err: nil, wantCode: codes.Unset, wantEvents: 0},
		{name: "error marks span failed", err: errors.New("feed unreachable"), wantCode: codes.Error, wantEvents: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exporter, tp := recordingTracer(t)
			_, span := tp.Tracer("mirror").Start(context.Background(), "publish.Publish")

			RecordError(span, tt.err)
			span.End()

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, tt.wantCode, spans[0].Status.Code)
			require.Len(t, spans[0].Events, tt.wantEvents)
			if tt.wantEvents > 0 {
				assert.Equal(t, "exception", spans[0].Events[0].Name)
				assert.Equal(t, "operation failed", spans[0].Status.Description)
			}
		})
	}

	t.Run("nil span", func(t *testing.T) {
		t.Parallel()
		assert.NotPanics(t, func() { RecordError(nil, errors.New("boom")) })
	})
}
