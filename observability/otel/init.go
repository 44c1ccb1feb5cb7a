// Package otel exports the relayer's request spans and runtime metrics over
// OTLP/HTTP. Export stays off unless an endpoint is configured.
package otel

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of relayer spans.
const TracerName = "shieldrelay"

const (
	defaultExportInterval = 30 * time.Second
	defaultBatchTimeout   = 2 * time.Second
)

// Config describes one relayer node as an OTLP resource plus where to ship its
// telemetry.
type Config struct {
	ServiceName string
	Version     string
	// Identifier is the relayer identifier advertised in fee messages; it
	// becomes service.instance.id so several nodes can share one backend.
	Identifier  string
	Environment string

	// Endpoint is host:port. Empty disables export.
	Endpoint string
	Insecure bool
	Headers  map[string]string
	// SampleRatio applies to root spans. Values outside (0,1] sample everything.
	SampleRatio    float64
	ExportInterval time.Duration
}

// Enabled reports whether Init will install exporters.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// FromEnv fills the exporter half of Config from the standard OTEL_* variables.
// A scheme on the endpoint decides transport security unless
// OTEL_EXPORTER_OTLP_INSECURE says otherwise.
func FromEnv(getenv func(string) string) Config {
	cfg := Config{Insecure: true, SampleRatio: 1}
	endpoint := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		cfg.Insecure = false
		endpoint = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
	}
	cfg.Endpoint = strings.TrimSuffix(endpoint, "/")
	if value := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			cfg.Insecure = parsed
		}
	}
	cfg.Headers = ParseHeaders(getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	if value := strings.TrimSpace(getenv("OTEL_TRACES_SAMPLER_ARG")); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			cfg.SampleRatio = parsed
		}
	}
	if value := strings.TrimSpace(getenv("OTEL_METRIC_EXPORT_INTERVAL")); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			cfg.ExportInterval = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

// Shutdown flushes and stops whatever Init installed.
type Shutdown func(context.Context) error

// Init installs global trace and meter providers for the node described by cfg.
// Without an endpoint the no-op globals stay in place and the returned Shutdown
// does nothing.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return nil, fmt.Errorf("otel: service name required")
	}
	if !cfg.Enabled() {
		return func(context.Context) error { return nil }, nil
	}
	res, err := nodeResource(cfg)
	if err != nil {
		return nil, err
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		traceOpts = append(traceOpts, otlptracehttp.WithHeaders(cfg.Headers))
		metricOpts = append(metricOpts, otlpmetrichttp.WithHeaders(cfg.Headers))
	}

	spanExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("otel: span exporter: %w", err)
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = spanExporter.Shutdown(ctx)
		return nil, fmt.Errorf("otel: metric exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(defaultBatchTimeout)),
	)
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		var result *multierror.Error
		if err := meterProvider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("otel: meter provider: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("otel: tracer provider: %w", err))
		}
		return result.ErrorOrNil()
	}, nil
}

func nodeResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.Version))
	}
	if cfg.Identifier != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.Identifier))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("otel: resource: %w", err)
	}
	return res, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Tracer returns the relayer tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// ParseHeaders reads the OTEL header list format, key=value pairs separated by
// commas with URL-encoded values. Malformed pairs are skipped.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		headers[key] = value
	}
	return headers
}
