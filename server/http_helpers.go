package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	requestIDHeader         = "X-Request-ID"
)

const tracerName = "github.com/droverhq/drover/server"

// withRequestContext assigns every request an ID, a scoped logger, and a
// server span. The device_id query parameter is attached to the span when
// present so dispatch traffic can be filtered per device in traces.
func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = xid.New().String()
		}
		c.Set(requestIDContextKey, reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		logger := base.With().
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Logger()
		c.Set(requestLoggerContextKey, logger)

		ctx, span := startRequestSpan(c, reqID)
		c.Request = c.Request.WithContext(ctx)
		c.Set("otel_span", span)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()

		logger.Debug().Int("status", status).Dur("duration", time.Since(start)).Msg("request completed")
	}
}

func startRequestSpan(c *gin.Context, reqID string) (context.Context, trace.Span) {
	propagator := otel.GetTextMapPropagator()
	parent := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

	spanName := c.Request.Method + " " + c.FullPath()
	spanCtx, span := otel.Tracer(tracerName).Start(parent, spanName, trace.WithSpanKind(trace.SpanKindServer))

	attrs := []attribute.KeyValue{
		attribute.String("http.method", c.Request.Method),
		attribute.String("http.route", c.FullPath()),
		attribute.String("http.target", c.Request.URL.RequestURI()),
		attribute.String("request.id", reqID),
	}
	if deviceID := c.Query("device_id"); deviceID != "" {
		attrs = append(attrs, attribute.String("device.id", deviceID))
	}
	span.SetAttributes(attrs...)
	return spanCtx, span
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return logger
		}
	}
	return fallback
}

func requestID(c *gin.Context) string {
	if value, ok := c.Get(requestIDContextKey); ok {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

// respondError logs at a severity matching the status, annotates the live
// span, and aborts with a JSON body carrying the request ID so device and
// operator errors can be correlated with server logs.
func respondError(c *gin.Context, status int, message string, fallback zerolog.Logger) {
	logger := requestLogger(c, fallback)
	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error()
	}
	entry.Int("status", status).Msg(message)

	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
		span.AddEvent("http.error", trace.WithAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("error.message", message),
		))
		if status >= http.StatusInternalServerError {
			span.RecordError(errors.New(message))
		}
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      message,
		"request_id": requestID(c),
	})
}
