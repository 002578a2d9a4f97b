package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const recognitionDurationMetric = "loqa.dictation.recognition.duration"

// telemetry holds the installed providers; shutdown flushes both.
type telemetry struct {
	shutdown func(context.Context) error
	metrics  http.Handler
}

func setupTelemetry(cfg config.Config, version string, logger *slog.Logger) (telemetry, error) {
	ctx := context.Background()
	res, err := dictationResource(ctx, cfg, version)
	if err != nil {
		return telemetry{}, err
	}

	traceProvider, err := initTracer(ctx, cfg.Telemetry, res, os.Stderr, logger)
	if err != nil {
		return telemetry{}, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(cfg, res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return telemetry{shutdown: shutdown, metrics: metricHandler}, nil
}

// dictationResource describes this node: which recognizer and capture
// backend it runs and at what streaming cadence.
func dictationResource(ctx context.Context, cfg config.Config, version string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(version),
			semconv.ServiceInstanceID(cfg.Status.NodeID),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("loqa.stt.mode", cfg.STT.Mode),
			attribute.String("loqa.stt.language", cfg.STT.Language),
			attribute.String("loqa.capture.mode", cfg.Capture.Mode),
			attribute.Bool("loqa.streaming.enabled", cfg.Streaming.Enabled),
			attribute.Int("loqa.streaming.cycle_ms", cfg.Streaming.CycleMS),
		),
	)
}

// initTracer exports over OTLP when an endpoint is set, otherwise writes
// compact spans to w so stdout stays free for JSON logs.
func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, w io.Writer, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		exporter = otlp
		logger.Info("tracing initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	} else {
		stdout, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, err
		}
		exporter = stdout
		logger.Info("tracing initialized", slog.String("exporter", "stdout"))
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func initMetrics(cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(dictationViews(cfg.Streaming)...),
	}
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(opts...), nil
	}
	opts = append(opts, sdkmetric.WithReader(promExporter))
	return sdkmetric.NewMeterProvider(opts...), promhttp.Handler()
}

func dictationViews(cfg config.StreamingConfig) []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: recognitionDurationMetric},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: recognitionBuckets(cfg.CycleMS, cfg.OverrunRatio),
			}},
		),
	}
}

// recognitionBuckets places histogram edges (in seconds) at fractions of the
// streaming period, including the overrun threshold, so slow calls that cause
// a skipped cycle land in their own buckets.
func recognitionBuckets(cycleMS int, overrunRatio float64) []float64 {
	period := (time.Duration(cycleMS) * time.Millisecond).Seconds()
	if period <= 0 {
		period = 1.5
	}
	if overrunRatio <= 0 || overrunRatio > 1 {
		overrunRatio = 0.8
	}
	fractions := []float64{0.1, 0.25, 0.5, overrunRatio, 1, 1.5, 2, 4}
	bounds := make([]float64, 0, len(fractions))
	for _, f := range fractions {
		bounds = append(bounds, f*period)
	}
	slices.Sort(bounds)
	return slices.Compact(bounds)
}
