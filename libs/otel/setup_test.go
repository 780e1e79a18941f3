package otelx

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.25")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "30s")

	cfg := ConfigFromEnv("relay-service")
	if cfg.Enabled {
		t.Fatal("expected tracing disabled")
	}
	if cfg.SampleRatio != 0.25 || cfg.OTLPEndpoint != "collector:4317" || cfg.MetricsInterval != 30*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("OTEL_SAMPLING_RATIO", "7")
	if got := ConfigFromEnv("x").SampleRatio; got != 1 {
		t.Fatalf("out of range ratio should fall back to 1, got %v", got)
	}
}

func TestDisabledSetupStillPropagates(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	defer shutdown(context.Background())

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	tc := CaptureTraceContext(ctx)
	if tc.IsZero() {
		t.Fatal("expected traceparent from global propagator")
	}
	if otel.GetTextMapPropagator() == nil {
		t.Fatal("propagator not installed")
	}

	got := trace.SpanContextFromContext(tc.Context(context.Background()))
	if got.TraceID() != sc.TraceID() {
		t.Fatalf("trace id lost: %s", got.TraceID())
	}
	if (TraceContext{Tracestate: "vendor=1"}).Context(context.Background()) != context.Background() {
		t.Fatal("trace context without traceparent should return ctx unchanged")
	}
}
