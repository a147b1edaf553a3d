// Package telemetry wraps OpenTelemetry bootstrap and the span helpers used
// by the executor and LLM router. Helpers are safe to call with no provider
// configured: they no-op against the default global tracer.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/knothic/anvil/core"
)

// Provider owns the tracer pipeline for the process.
type Provider struct {
	traceProvider *sdktrace.TracerProvider
	meter         metric.Meter
}

// Init sets up trace export according to the configuration. Exporters:
// "otlp" (gRPC collector), "stdout" (pretty-printed, for local runs), and
// "none" (no provider installed; helpers no-op).
func Init(cfg core.TelemetryConfig, serviceName string, logger core.Logger) (*Provider, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.Exporter == "none" {
		return &Provider{meter: otel.Meter(serviceName)}, nil
	}

	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s trace exporter: %w", cfg.Exporter, err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Telemetry initialized", map[string]interface{}{
		"exporter": cfg.Exporter,
		"endpoint": cfg.Endpoint,
	})

	return &Provider{
		traceProvider: tp,
		meter:         otel.Meter(serviceName),
	}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.traceProvider == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.traceProvider.Shutdown(shutdownCtx)
}

// Counter increments a named counter metric.
func (p *Provider) Counter(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if p == nil || p.meter == nil {
		return
	}
	counter, err := p.meter.Int64Counter(name)
	if err != nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// AddSpanEvent records an event on the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetSpanAttributes sets attributes on the span in ctx, if any.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordSpanError records an error on the span in ctx, if any.
func RecordSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
	}
}
