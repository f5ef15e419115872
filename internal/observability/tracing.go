package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer provides distributed tracing via OpenTelemetry. Spans cover turn
// execution, provider calls, artifact sub-generation, and store writes.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures tracing behavior.
type TraceConfig struct {
	// ServiceName identifies this service in traces.
	ServiceName string

	// Endpoint is the OTLP gRPC collector endpoint (e.g. "localhost:4317").
	// If empty, tracing is a no-op.
	Endpoint string

	// SamplingRate controls what fraction of traces are recorded (0.0-1.0).
	// Defaults to 1.0.
	SamplingRate float64

	// EnableInsecure disables TLS for the OTLP connection (dev only).
	EnableInsecure bool
}

// NewTracer initializes the tracer provider and returns it along with a
// shutdown function. With an empty endpoint a no-op tracer is returned.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error, error) {
	if config.ServiceName == "" {
		config.ServiceName = "kindred"
	}
	noop := func(context.Context) error { return nil }

	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	rate := config.SamplingRate
	if rate <= 0 || rate > 1 {
		rate = 1.0
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}
	return t, provider.Shutdown, nil
}

// Start begins a span. The returned context carries it for child spans.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks the span as failed and records the error event.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceTurn starts a span covering one chat turn.
func (t *Tracer) TraceTurn(ctx context.Context, conversationID, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "turn.run",
		attribute.String("conversation.id", conversationID),
		attribute.String("llm.model", model),
	)
}

// TraceLLMRequest starts a span covering one provider call.
func (t *Tracer) TraceLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "llm.request",
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
}

// TraceArtifact starts a span covering one artifact sub-generation.
func (t *Tracer) TraceArtifact(ctx context.Context, artifactID, kind string) (context.Context, trace.Span) {
	return t.Start(ctx, "artifact.generate",
		attribute.String("artifact.id", artifactID),
		attribute.String("artifact.kind", kind),
	)
}
