// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Instrumentation scope shared by tracers and meters.
const ScopeName = "github.com/jllopis/forge"

// ShutdownFunc is a function that cleans up telemetry resources.
type ShutdownFunc func(context.Context) error

// Config controls telemetry exporter behavior.
type Config struct {
	// Exporter is none, stdout or otlp.
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	// Output receives stdout exporter data; defaults to os.Stderr so it
	// never mixes with protocol traffic on stdout.
	Output io.Writer
	// MetricInterval is the periodic reader interval (default one minute).
	MetricInterval time.Duration
}

// Init installs global tracer and meter providers for the configured exporter.
func Init(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	if cfg.Exporter == "none" || cfg.Exporter == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, mp, err := initProviders(res, cfg)
	if err != nil {
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("telemetry shutdown errors: %v", errs)
		}
		return nil
	}, nil
}

func initProviders(res *resource.Resource, cfg Config) (*trace.TracerProvider, *metric.MeterProvider, error) {
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = time.Minute
	}
	switch cfg.Exporter {
	case "stdout":
		return initStdout(res, cfg)
	case "otlp":
		if cfg.OTLPEndpoint == "" {
			return nil, nil, fmt.Errorf("otlp endpoint is required")
		}
		return initOTLP(res, cfg)
	default:
		return nil, nil, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}
}

func initStdout(res *resource.Resource, cfg Config) (*trace.TracerProvider, *metric.MeterProvider, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return install(res, trace.WithBatcher(traceExporter, trace.WithBatchTimeout(time.Second)),
		metric.NewPeriodicReader(metricExporter, metric.WithInterval(cfg.MetricInterval)))
}

func initOTLP(res *resource.Resource, cfg Config) (*trace.TracerProvider, *metric.MeterProvider, error) {
	traceOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	metricOpts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(context.Background(), traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(context.Background(), metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
	}
	return install(res, trace.WithBatcher(traceExporter, trace.WithBatchTimeout(time.Second)),
		metric.NewPeriodicReader(metricExporter, metric.WithInterval(cfg.MetricInterval)))
}

func install(res *resource.Resource, batcher trace.TracerProviderOption, reader metric.Reader) (*trace.TracerProvider, *metric.MeterProvider, error) {
	tp := trace.NewTracerProvider(batcher, trace.WithResource(res))
	otel.SetTracerProvider(tp)

	mp := metric.NewMeterProvider(metric.WithReader(reader), metric.WithResource(res))
	otel.SetMeterProvider(mp)
	return tp, mp, nil
}
