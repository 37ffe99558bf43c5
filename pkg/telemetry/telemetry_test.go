// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"
)

func restoreProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInitDisabled(t *testing.T) {
	restoreProvider(t)
	ctx := context.Background()

	tp, shutdown, err := Init(ctx, Options{}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(ctx))
	assert.IsType(t, noop.TracerProvider{}, tp)
}

func TestInitExporters(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"none", Options{Enabled: true, Exporter: "none", ServiceName: "test-service"}},
		{"stdout", Options{Enabled: true, Exporter: "stdout", SamplingRate: 0.5}},
		// The OTLP exporter dials lazily, so an unroutable endpoint still initializes.
		{"otlp", Options{Enabled: true, Exporter: "otlp", Endpoint: "localhost:0", Insecure: true}},
		{"negative sampling rate", Options{Enabled: true, Exporter: "none", SamplingRate: -0.5}},
		{"sampling rate above one", Options{Enabled: true, Exporter: "none", SamplingRate: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreProvider(t)
			ctx := context.Background()

			tp, shutdown, err := Init(ctx, tt.opts, zaptest.NewLogger(t))
			require.NoError(t, err)
			t.Cleanup(func() { _ = shutdown(ctx) })
			assert.NotNil(t, tp)
			assert.Same(t, tp, otel.GetTracerProvider())
		})
	}
}

func TestInitInvalidExporter(t *testing.T) {
	_, _, err := Init(context.Background(), Options{Enabled: true, Exporter: "jaeger"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unknown OTel exporter")
}

func TestInitCustomExporterReceivesSpans(t *testing.T) {
	restoreProvider(t)
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()

	tp, shutdown, err := Init(ctx, Options{Enabled: true, Exporter: "bogus", SpanExporter: exporter}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(ctx, "audit.dispatch")
	span.End()
	t.Cleanup(func() { _ = shutdown(ctx) })
	sdkProvider, ok := tp.(*sdktrace.TracerProvider)
	require.True(t, ok)
	require.NoError(t, sdkProvider.ForceFlush(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "audit.dispatch", spans[0].Name)
}

func TestShutdownIdempotent(t *testing.T) {
	restoreProvider(t)
	ctx := context.Background()

	_, shutdown, err := Init(ctx, Options{Enabled: true, Exporter: "none"}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(ctx))
	_ = shutdown(ctx)
}
