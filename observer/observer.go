// Package observer provides OTEL-based observability for the session
// service.
//
// It implements the studio Tracer and Recorder interfaces on top of
// OpenTelemetry. Users export to any OTEL-compatible backend by setting
// standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/KostasNoreika/claude-studio-sub000/observer"

// Instruments holds all OTEL instruments used by the recorder and tracer.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	EngineCalls        metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	SessionEvents      metric.Int64Counter
	MessagesRejected   metric.Int64Counter

	// Histograms
	EngineDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(tp, mp, lp)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider, lp otellog.LoggerProvider) (*Instruments, error) {
	meter := mp.Meter(scopeName)

	engineCalls, err := meter.Int64Counter("engine.calls",
		metric.WithDescription("Container engine call count"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	engineDuration, err := meter.Float64Histogram("engine.duration",
		metric.WithDescription("Container engine call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, err
	}

	sessionEvents, err := meter.Int64Counter("sessions.events",
		metric.WithDescription("Session lifecycle events"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	rejected, err := meter.Int64Counter("messages.rejected",
		metric.WithDescription("Inbound frames that were not dispatched"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tp.Tracer(scopeName),
		Meter:              meter,
		Logger:             lp.Logger(scopeName),
		EngineCalls:        engineCalls,
		EngineDuration:     engineDuration,
		BreakerTransitions: transitions,
		SessionEvents:      sessionEvents,
		MessagesRejected:   rejected,
	}, nil
}
