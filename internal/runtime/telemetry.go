package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// latencyBuckets covers model first-token latency, from a warm local model
// to a cold remote one.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

// latencyHistograms get latencyBuckets instead of the SDK defaults, which
// are sized for milliseconds.
var latencyHistograms = []string{"loqa_first_fragment_seconds"}

type telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	handler http.Handler
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.metrics.Shutdown(ctx), t.traces.Shutdown(ctx))
}

// setupTelemetry installs the global tracer and meter providers for the
// voice service and returns the scrape handler for its private registry.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := serviceResource(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, kind, err := spanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("span exporter: %w", err)
	}
	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampleRatio))),
	}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(reader)}
	for _, name := range latencyHistograms {
		meterOpts = append(meterOpts, sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: name},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: latencyBuckets}},
		)))
	}

	t := &telemetry{
		traces:  sdktrace.NewTracerProvider(traceOpts...),
		metrics: sdkmetric.NewMeterProvider(meterOpts...),
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}
	otel.SetTracerProvider(t.traces)
	otel.SetMeterProvider(t.metrics)

	logger.Info("telemetry initialized",
		slog.String("span_exporter", kind),
		slog.Float64("trace_sample_ratio", cfg.Telemetry.TraceSampleRatio),
		slog.String("metrics_path", cfg.Telemetry.MetricsPath))
	return t.shutdown, t.handler, nil
}

func serviceResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.retrieval.mode", cfg.Retrieval.Mode),
			attribute.String("loqa.llm.mode", cfg.LLM.Mode),
		),
		resource.WithHost(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithTelemetrySDK(),
	)
}

// spanExporter picks OTLP when an endpoint is configured, stdout when asked
// for, and otherwise none: spans are still created for sampling decisions
// and context propagation but go nowhere.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		return exp, "otlp", err
	}
	if cfg.StdoutTracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, "stdout", err
	}
	return nil, "none", nil
}
