package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// TracingConfig selects and configures the span exporter.
type TracingConfig struct {
	Exporter     string  `mapstructure:"exporter" validate:"omitempty,oneof=none stdout otlp"`
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`

	ServiceName    string `mapstructure:"-"`
	ServiceVersion string `mapstructure:"-"`

	// Writer receives stdout spans. Default: os.Stdout.
	Writer io.Writer `mapstructure:"-"`
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(ctx context.Context) error

// SetupTracing installs a global tracer provider. With the "none" exporter
// (or an empty one) the global no-op provider is left in place.
func SetupTracing(ctx context.Context, cfg TracingConfig) (Shutdown, error) {
	noop := func(context.Context) error { return nil }

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", ExporterNone:
		return noop, nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterOTLP:
		exporter, err = newOTLPExporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "branchoff"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(10*time.Second)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return provider.Shutdown, nil
}

func newOTLPExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otlp exporter requires an endpoint")
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	return otlptracegrpc.New(ctx, opts...)
}
