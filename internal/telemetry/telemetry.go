// Package telemetry installs the OpenTelemetry tracer provider used by the flow engine.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultServiceName is reported when no service name is configured.
const DefaultServiceName = "chatflow"

// ShutdownFunc flushes pending spans and releases the exporter.
type ShutdownFunc func(ctx context.Context) error

// Opts holds configuration options for Setup.
type Opts struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP/HTTP collector, host:port or a full URL. Empty disables export.
	Endpoint string
	Insecure bool
	Headers  map[string]string
	// Exporter overrides the OTLP exporter, mainly for tests.
	Exporter sdktrace.SpanExporter
}

// Option defines a configuration option for Setup.
type Option func(*Opts)

// WithServiceName sets service.name.
func WithServiceName(name string) Option {
	return func(o *Opts) {
		o.ServiceName = name
	}
}

// WithServiceVersion sets service.version.
func WithServiceVersion(v string) Option {
	return func(o *Opts) {
		o.ServiceVersion = v
	}
}

// WithEndpoint sets the OTLP/HTTP collector endpoint.
func WithEndpoint(endpoint string, insecure bool) Option {
	return func(o *Opts) {
		o.Endpoint = endpoint
		o.Insecure = insecure
	}
}

// WithHeaders adds headers to every export request.
func WithHeaders(h map[string]string) Option {
	return func(o *Opts) {
		o.Headers = h
	}
}

// WithExporter replaces the OTLP exporter.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *Opts) {
		o.Exporter = exp
	}
}

// Setup builds a TracerProvider, installs it as the global provider and returns it with its
// shutdown function. Without an endpoint or exporter spans are recorded but never exported.
func Setup(ctx context.Context, opts ...Option) (*sdktrace.TracerProvider, ShutdownFunc, error) {
	cfg := Opts{ServiceName: DefaultServiceName}
	for _, opt := range opts {
		opt(&cfg)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	res := resource.NewSchemaless(attrs...)

	exporter := cfg.Exporter
	if exporter == nil && cfg.Endpoint != "" {
		httpOpts := endpointOptions(cfg.Endpoint)
		if cfg.Insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			httpOpts = append(httpOpts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			slog.Error("telemetry.Setup: failed to create OTLP exporter", "error", err, "endpoint", cfg.Endpoint)
			return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	slog.Debug("telemetry.Setup: tracer provider installed", "service", cfg.ServiceName, "exporting", exporter != nil)

	return tp, tp.Shutdown, nil
}

func endpointOptions(endpoint string) []otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	}
	return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
}
