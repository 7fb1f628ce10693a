// Package traces wires OpenTelemetry tracing into the escrow pipeline.
//
// Spans open at the operation boundaries that matter when an escrow gets
// stuck: create, advance, and the confirmation check against the chain.
// Without a collector endpoint every span is a no-op.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "riddleswap-escrow"
	serviceVersion = "0.1.0"
)

// tracer resolves through the otel global delegate, so spans started
// before Init are no-ops and spans started after it reach the collector.
var tracer = otel.Tracer("github.com/dippydogellm/riddleswap.com-sub018")

// Init installs the OTLP/gRPC trace pipeline and returns its shutdown
// hook. An empty endpoint leaves the global provider untouched and the
// returned hook does nothing.
func Init(ctx context.Context, endpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		logger.Info("tracing disabled", "reason", "no collector endpoint configured")
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", endpoint, "service", serviceName)
	return tp.Shutdown, nil
}

// StartSpan opens a child span of whatever trace the context carries.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shared attribute keys, so spans from different packages stay queryable
// under one name.

func EscrowID(id string) attribute.KeyValue { return attribute.String("escrow.id", id) }

func Chain(id string) attribute.KeyValue { return attribute.String("chain.id", id) }

func TxHash(hash string) attribute.KeyValue { return attribute.String("tx.hash", hash) }

func Amount(amount string) attribute.KeyValue { return attribute.String("amount", amount) }

func Status(s string) attribute.KeyValue { return attribute.String("escrow.status", s) }
