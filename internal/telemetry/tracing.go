// Package telemetry installs the global OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dunamismax/bitmapmanipulator/internal/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type ShutdownFunc func(context.Context) error

// SetupTracing registers a tracer provider for the configured exporter
// ("none", "stdout" or "otlp"). The returned func flushes pending spans.
func SetupTracing(ctx context.Context, cfg config.TelemetryConfig, logger *logrus.Entry) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == "" || exporterName == "none" {
		logger.Debug("tracing exporter disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, exporterName, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.WithField("exporter", exporterName).Info("tracing enabled")

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, name string, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch name {
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	case "otlp":
		if strings.TrimSpace(cfg.OTLPEndpoint) == "" {
			return nil, fmt.Errorf("otlp trace exporter requires an endpoint")
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s trace exporter: %w", name, err)
	}
	return exp, nil
}
