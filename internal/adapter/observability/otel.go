package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	exportTimeout = 30 * time.Second
	maxQueueSize  = 2048
)

type TelemetryConfig struct {
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ServiceVersion string
}

// Telemetry holds the providers installed by Setup. Without an endpoint
// the global no-op providers are kept and Shutdown does nothing.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	LoggerProvider log.LoggerProvider

	shutdownFuncs []func(context.Context) error
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for _, fn := range t.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	t.shutdownFuncs = nil
	return err
}

// Setup installs the OTLP/HTTP trace and log pipelines and the W3C
// propagators. Exporter failures are joined into the returned error while
// the pipelines that did start stay installed.
func Setup(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Telemetry{
		TracerProvider: otel.GetTracerProvider(),
		LoggerProvider: global.GetLoggerProvider(),
	}
	if cfg.Endpoint == "" {
		return t, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return t, fmt.Errorf("failed to create resource: %w", err)
	}

	var setupErr error

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		setupErr = errors.Join(setupErr, fmt.Errorf("OTLP trace exporter: %w", err))
	} else {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExporter,
				sdktrace.WithExportTimeout(exportTimeout),
				sdktrace.WithMaxQueueSize(maxQueueSize),
			)),
		)
		otel.SetTracerProvider(tp)
		t.TracerProvider = tp
		t.shutdownFuncs = append(t.shutdownFuncs, tp.Shutdown)
	}

	logOpts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		setupErr = errors.Join(setupErr, fmt.Errorf("OTLP log exporter: %w", err))
	} else {
		lp := sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter,
				sdklog.WithExportTimeout(exportTimeout),
				sdklog.WithMaxQueueSize(maxQueueSize),
			)),
		)
		global.SetLoggerProvider(lp)
		t.LoggerProvider = lp
		t.shutdownFuncs = append(t.shutdownFuncs, lp.Shutdown)
	}

	return t, setupErr
}
