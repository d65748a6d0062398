// Package telemetry integrates OpenTelemetry tracing with the gaff engine.
//
// Init installs a tracer provider with a stdout exporter and registers the
// trace extractor used by core's logger for log correlation. Components
// add spans and events through the helpers in trace_context.go.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanpoyner/gaff/core"
)

const tracerName = "github.com/seanpoyner/gaff"

var (
	initOnce sync.Once
	provider *sdktrace.TracerProvider
)

// Config controls telemetry initialization
type Config struct {
	ServiceName string
	Enabled     bool
}

// Init installs the global tracer provider. Safe to call once per process;
// subsequent calls are no-ops. Returns a shutdown function that flushes
// spans; callers invoke it during graceful shutdown.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var initErr error
	shutdown := func(context.Context) error { return nil }

	initOnce.Do(func() {
		// Log correlation works even when span export is disabled
		core.SetTraceExtractor(func(ctx context.Context) (string, string) {
			sc := trace.SpanContextFromContext(ctx)
			if !sc.IsValid() {
				return "", ""
			}
			return sc.TraceID().String(), sc.SpanID().String()
		})

		if !cfg.Enabled {
			return
		}

		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			initErr = fmt.Errorf("creating trace exporter: %w", err)
			return
		}

		res, err := sdkresource.Merge(
			sdkresource.Default(),
			sdkresource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
			),
		)
		if err != nil {
			initErr = fmt.Errorf("building telemetry resource: %w", err)
			return
		}

		provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
		shutdown = provider.Shutdown
	})

	if initErr != nil {
		return nil, initErr
	}
	return shutdown, nil
}

// StartSpan begins a span on the globally installed tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}
