package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Shimano02/Iida-clinic/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
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

// Bucket boundaries for the recording histograms. Audio sizes assume 16 kHz
// mono PCM16 (32 kB per second) and span one second to half an hour.
var (
	audioBytesBuckets     = []float64{32000, 320000, 960000, 1920000, 9600000, 19200000, 57600000}
	backendLatencyBuckets = []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90}
)

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, traceShutdown, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler, err := initMetrics(res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return shutdown, metricHandler, nil
}

// newResource describes this runtime: which build, which station, and which
// capture, recognizer and backend it was configured with.
func newResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.ServiceInstanceID(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("karte.capture.source", cfg.Capture.Source),
		attribute.String("karte.backend.mode", cfg.Backend.Mode),
	}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	recognizer := "disabled"
	if cfg.Recognizer.Enabled {
		recognizer = cfg.Recognizer.Mode
	}
	attrs = append(attrs, attribute.String("karte.recognizer.mode", recognizer))
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint)
	exporterName := cfg.Telemetry.Traces
	if exporterName == "" || exporterName == "auto" {
		exporterName = "stdout"
		if endpoint != "" {
			exporterName = "otlp"
		}
	}

	var exporter sdktrace.SpanExporter
	switch exporterName {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		exporter = otlp
	case "stdout":
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		exporter = stdout
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	logger.Info("telemetry initialized", slog.String("exporter", exporterName), slog.String("endpoint", endpoint))
	return tp, tp.Shutdown, nil
}

// initMetrics exports through a registry of our own so /metrics carries only
// karte instruments plus the Go and process collectors.
func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler, error) {
	views := []sdkmetric.Option{
		sdkmetric.WithView(histogramView("karte.recording.bytes", audioBytesBuckets)),
		sdkmetric.WithView(histogramView("karte.backend.latency", backendLatencyBuckets)),
	}

	registry := promclient.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		logger.Warn("failed to register go collector", slog.String("error", err.Error()))
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		logger.Warn("failed to register process collector", slog.String("error", err.Error()))
	}

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		meter := sdkmetric.NewMeterProvider(append(views, sdkmetric.WithResource(res))...)
		return meter, nil, nil
	}
	meter := sdkmetric.NewMeterProvider(append(views,
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)...)
	return meter, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func histogramView(name string, boundaries []float64) sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: name},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: boundaries}},
	)
}
