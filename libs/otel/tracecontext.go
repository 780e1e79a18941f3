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

// TraceContext is the W3C trace context in its stored form, so a span can be
// continued after the request that started it has finished.
type TraceContext struct {
	Traceparent string
	Tracestate  string
}

// CaptureTraceContext serialises the active span of ctx through the global
// propagator. It is zero when ctx carries no valid span.
func CaptureTraceContext(ctx context.Context) TraceContext {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return TraceContext{
		Traceparent: carrier[headerTraceparent],
		Tracestate:  carrier[headerTracestate],
	}
}

func (tc TraceContext) IsZero() bool {
	return tc.Traceparent == ""
}

// Context returns ctx with tc as the remote parent span. A zero tc leaves
// ctx untouched.
func (tc TraceContext) Context(ctx context.Context) context.Context {
	if tc.IsZero() {
		return ctx
	}
	carrier := propagation.MapCarrier{headerTraceparent: tc.Traceparent}
	if tc.Tracestate != "" {
		carrier[headerTracestate] = tc.Tracestate
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
