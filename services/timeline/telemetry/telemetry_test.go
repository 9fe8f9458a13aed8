// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Init(nil, DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_UnknownExporters(t *testing.T) {
	cfg := Config{TraceExporter: "zipkin", MetricExporter: "none"}
	_, err := Init(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg = Config{TraceExporter: "none", MetricExporter: "statsd"}
	_, err = Init(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_PrometheusOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	shutdown, err := Init(context.Background(), Config{
		ServiceName:    "test",
		TraceExporter:  "none",
		MetricExporter: "prometheus",
	}, reg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	assert.NotNil(t, MetricsHandler())
}

func TestPropagation_RoundTrip(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{TraceExporter: "none", MetricExporter: "none"}, nil)
	require.NoError(t, err)
	defer shutdown(context.Background())

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)

	ctx, span := otel.Tracer("test").Start(context.Background(), "outgoing")
	defer span.End()

	headers := http.Header{}
	InjectContext(ctx, headers)
	assert.NotEmpty(t, headers.Get("traceparent"))

	got := ExtractContext(context.Background(), headers)
	assert.Equal(t, TraceID(ctx), TraceID(got))
	assert.Empty(t, TraceID(context.Background()))
}

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	t.Setenv("ALEUTIAN_ENV", "staging")
	cfg := DefaultConfig()
	assert.Equal(t, "stdout", cfg.TraceExporter)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "prometheus", cfg.MetricExporter)
}
