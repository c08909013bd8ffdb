package obs

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func decision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "sampler-test",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	if got := decision(parseSampler("always_off", 1)); got != sdktrace.Drop {
		t.Fatalf("always_off must drop, got %v", got)
	}
	if got := decision(parseSampler("always_on", 0)); got != sdktrace.RecordAndSample {
		t.Fatalf("always_on must sample, got %v", got)
	}
	if got := decision(parseSampler("traceidratio", 5)); got != sdktrace.RecordAndSample {
		t.Fatalf("ratio should clamp to 1, got %v", got)
	}
	if got := decision(parseSampler("", -1)); got != sdktrace.Drop {
		t.Fatalf("ratio should clamp to 0, got %v", got)
	}
}

func TestInitTracingSetsProvider(t *testing.T) {
	shutdown := InitTracing("", "test", "always_on", 1)
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := otel.Tracer("canteiro.app/internal/obs").Start(context.Background(), "probe")
	defer span.End()
	if !trace.SpanContextFromContext(ctx).TraceID().IsValid() {
		t.Fatal("expected a valid trace id from the installed provider")
	}
}
