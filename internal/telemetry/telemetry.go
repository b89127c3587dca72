// Package telemetry configures OpenTelemetry providers and the ledger operation logger.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects the OTLP collector. An empty Endpoint keeps telemetry in-process only.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Insecure       bool
}

// Providers owns the tracer and meter providers registered as globals by Setup.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Setup builds trace and metric providers, registers them globally and returns them for shutdown.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceOptions := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	meterOptions := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.Endpoint != "" {
		traceExporterOptions := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		metricExporterOptions := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = traceExporter.Shutdown(ctx)
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		traceOptions = append(traceOptions, sdktrace.WithBatcher(traceExporter))
		meterOptions = append(meterOptions, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	providers := &Providers{
		TracerProvider: sdktrace.NewTracerProvider(traceOptions...),
		MeterProvider:  sdkmetric.NewMeterProvider(meterOptions...),
	}
	otel.SetTracerProvider(providers.TracerProvider)
	otel.SetMeterProvider(providers.MeterProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return providers, nil
}

// Shutdown flushes and stops both providers.
func (providers *Providers) Shutdown(ctx context.Context) error {
	if providers == nil {
		return nil
	}
	return errors.Join(
		providers.TracerProvider.Shutdown(ctx),
		providers.MeterProvider.Shutdown(ctx),
	)
}
