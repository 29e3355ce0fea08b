// Package observability sets up OpenTelemetry tracing for the daemon.
package observability

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/teranos/tenantpulse/errors"
)

// Exporter names accepted by InitTracing.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

const tracerName = "github.com/teranos/tenantpulse"

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// InitTracing installs the global tracer provider once per process and
// returns its shutdown function.
func InitTracing(service, exporter string) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		switch strings.ToLower(strings.TrimSpace(exporter)) {
		case "", ExporterNone:
			otel.SetTracerProvider(noop.NewTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
		case ExporterStdout:
			exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
			if err != nil {
				initErr = errors.Wrap(err, "failed to create stdout exporter")
				return
			}
			res := resource.NewSchemaless(semconv.ServiceNameKey.String(service))
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exp),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			shutdownFn = tp.Shutdown
		default:
			initErr = errors.Newf("unknown tracing exporter %q (want none or stdout)", exporter)
		}
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
