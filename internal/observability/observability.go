// Package observability wires the global OTel meter and tracer
// providers used by internal/storage/sqlite and internal/engine for
// the counters and histogram named in spec.md §6.2. No teacher file
// bootstraps an SDK provider directly (its instrument blocks assume
// one is already registered), so this bootstrap is authored fresh,
// following the otel SDK's own documented wiring idiom.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options controls exporter selection. A non-empty OTLPEndpoint sends
// metrics over OTLP/HTTP to a collector; otherwise metrics are written
// to Writer as newline-delimited JSON. Traces are always written to
// Writer, whether or not OTLPEndpoint is set. A nil Writer means stdout.
type Options struct {
	ServiceName  string
	OTLPEndpoint string
	Writer       io.Writer
}

// Shutdown flushes and stops both providers. Callers should defer it
// from main after a successful Init.
type Shutdown func(ctx context.Context) error

// Init installs the global MeterProvider and TracerProvider. Instruments
// that other packages registered in init() against otel.Meter forward
// to these providers once they are installed.
func Init(ctx context.Context, opts Options) (Shutdown, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", opts.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	meterProvider, meterShutdown, err := buildMeterProvider(ctx, opts, res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(meterProvider)

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(writerOrStdout(opts.Writer)))
	if err != nil {
		return nil, fmt.Errorf("build trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	return func(ctx context.Context) error {
		if err := meterShutdown(ctx); err != nil {
			return err
		}
		return tracerProvider.Shutdown(ctx)
	}, nil
}

func buildMeterProvider(ctx context.Context, opts Options, res *resource.Resource) (*metric.MeterProvider, Shutdown, error) {
	if opts.OTLPEndpoint != "" {
		exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(opts.OTLPEndpoint))
		if err != nil {
			return nil, nil, fmt.Errorf("build otlp metric exporter: %w", err)
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(15*time.Second))),
		)
		return mp, func(ctx context.Context) error { return mp.Shutdown(ctx) }, nil
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(writerOrStdout(opts.Writer)))
	if err != nil {
		return nil, nil, fmt.Errorf("build stdout metric exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(15*time.Second))),
	)
	return mp, func(ctx context.Context) error { return mp.Shutdown(ctx) }, nil
}

func writerOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
