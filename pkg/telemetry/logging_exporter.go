package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// loggingExporter mirrors completed spans into the zerolog stream. It exists
// for single-binary debugging of the dispatch path without a collector;
// Config.LogSpans wires it behind a SimpleSpanProcessor.
type loggingExporter struct {
	logger zerolog.Logger
}

func newLoggingExporter() sdktrace.SpanExporter {
	return newLoggingExporterWithLogger(log.With().Str("component", "otel").Logger())
}

func newLoggingExporterWithLogger(logger zerolog.Logger) sdktrace.SpanExporter {
	return &loggingExporter{logger: logger}
}

func (l *loggingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		l.emit(span)
	}
	return nil
}

func (l *loggingExporter) emit(span sdktrace.ReadOnlySpan) {
	sc := span.SpanContext()
	event := l.logger.Info().
		Str("span_name", span.Name()).
		Str("span_kind", span.SpanKind().String()).
		Time("start_time", span.StartTime()).
		Dur("duration", span.EndTime().Sub(span.StartTime())).
		Str("status", span.Status().Code.String())
	if sc.TraceID().IsValid() {
		event = event.Str("trace_id", sc.TraceID().String())
	}
	if sc.SpanID().IsValid() {
		event = event.Str("span_id", sc.SpanID().String())
	}
	if parent := span.Parent(); parent.IsValid() {
		event = event.Str("parent_span_id", parent.SpanID().String())
	}

	attrs := span.Attributes()
	if len(attrs) > 0 {
		fields := make(map[string]any, len(attrs))
		for _, attr := range attrs {
			fields[string(attr.Key)] = attr.Value.Emit()
		}
		event = event.Fields(fields)
	}
	event.Msg("span completed")
}

func (l *loggingExporter) Shutdown(context.Context) error { return nil }

func (l *loggingExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*loggingExporter)(nil)
