package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	headerTraceparent = "traceparent"
	headerTracestate  = "tracestate"
)

// TraceContextStrings serializes the span in ctx so it can be stored with an
// outbox row and restored when the row is published.
func TraceContextStrings(ctx context.Context) (traceparent, tracestate string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get(headerTraceparent), carrier.Get(headerTracestate)
}

// ContextWithTraceContext is the inverse of TraceContextStrings. Empty input returns ctx unchanged.
func ContextWithTraceContext(ctx context.Context, traceparent, tracestate string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{headerTraceparent: traceparent}
	if tracestate != "" {
		carrier.Set(headerTracestate, tracestate)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
