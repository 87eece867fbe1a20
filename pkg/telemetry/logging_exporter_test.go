package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggingExporterEmitsCompletedSpans(t *testing.T) {
	var buf strings.Builder
	exporter := newLoggingExporterWithLogger(zerolog.New(&buf))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	ctx := context.Background()

	_, span := provider.Tracer("dispatch").Start(ctx, "schedule.pull")
	span.SetAttributes(attribute.String("device.id", "dev-123"))
	span.End()
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	out := buf.String()
	if out == "" {
		t.Fatal("expected log output")
	}
	if !strings.Contains(out, "schedule.pull") {
		t.Errorf("log missing span name: %s", out)
	}
	if !strings.Contains(out, "dev-123") {
		t.Errorf("log missing span attribute: %s", out)
	}
	if !strings.Contains(out, "span completed") {
		t.Errorf("log missing message: %s", out)
	}
}
