package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/georeference/core"
	"github.com/signalsfoundry/georeference/internal/logging"
)

// Span exporters understood by InitTracing.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const (
	envTracingEnabled = "GEOREF_TRACING_ENABLED"
	envTracingExport  = "GEOREF_TRACING_EXPORTER"
	envTracingService = "GEOREF_TRACING_SERVICE_NAME"
	envTracingRatio   = "GEOREF_TRACING_SAMPLE_RATIO"
	envOTLPEndpoint   = "GEOREF_OTLP_ENDPOINT"

	defaultServiceName  = "georef-sim"
	defaultOTLPEndpoint = "localhost:4317"
	shutdownTimeout     = 5 * time.Second
)

// TracingConfig selects the span exporter and sampling for a georef-sim
// process. The zero value disables tracing.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string
	Endpoint    string // OTLP collector, host:port
	SampleRatio float64
}

// TracingConfigFromEnv reads the GEOREF_TRACING_* variables. A sample ratio
// outside [0, 1] or that fails to parse is replaced by 1.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv(envTracingEnabled), "true"),
		ServiceName: envOr(envTracingService, defaultServiceName),
		Exporter:    strings.ToLower(envOr(envTracingExport, ExporterStdout)),
		Endpoint:    os.Getenv(envOTLPEndpoint),
		SampleRatio: 1,
	}
	if raw := os.Getenv(envTracingRatio); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// sampler maps the ratio onto the cheapest equivalent sampler; children
// always follow their parent's decision.
func (c TracingConfig) sampler() sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case c.SampleRatio >= 1:
		root = sdktrace.AlwaysSample()
	case c.SampleRatio <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(c.SampleRatio)
	}
	return sdktrace.ParentBased(root)
}

// InitTracing installs the global tracer provider and W3C propagators. The
// returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	service := cfg.ServiceName
	if service == "" {
		service = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
			semconv.ServiceNamespace("georeference"),
		),
		resource.WithHost(),
		resource.WithProcessRuntimeName(),
	)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", service),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case ExporterStdout, "":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithoutTimestamps())
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("tracing exporter %q: want %s or %s", cfg.Exporter, ExporterStdout, ExporterOTLP)
	}
}

// ShutdownWithTimeout calls shutdown with a five second deadline and logs
// rather than returns any failure.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Error(err))
	}
}

const tracerName = "github.com/signalsfoundry/georeference"

// StartTickSpan opens a span covering one simulation tick.
func StartTickSpan(ctx context.Context, index uint64, simTime time.Time) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "georef.tick",
		trace.WithAttributes(
			attribute.Int64("georef.tick.index", int64(index)),
			attribute.String("georef.tick.sim_time", simTime.UTC().Format(time.RFC3339Nano)),
		),
	)
}

// AnnotateTick records the outcome of a tick on span. A rebase is also added
// as a span event so it stands out in trace viewers.
func AnnotateTick(span trace.Span, activeLevel string, inside, rebased bool, origin core.IntVector) {
	span.SetAttributes(
		attribute.String("georef.sublevel.active", activeLevel),
		attribute.Bool("georef.sublevel.inside", inside),
		attribute.Bool("georef.rebased", rebased),
		attribute.String("georef.floating_origin", origin.String()),
	)
	if rebased {
		span.AddEvent("georef.rebase", trace.WithAttributes(
			attribute.Int64("x", int64(origin.X)),
			attribute.Int64("y", int64(origin.Y)),
			attribute.Int64("z", int64(origin.Z)),
		))
	}
}
