package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "projecthub/api"
	requestSpanName    = "projecthub.http.request"
	requestEventName   = "http.request"
	requestEventDomain = "projecthub.api"
	observabilityEvent = "observability.event"
)

type requestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	method     string
	route      string
	errorStage string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		method: method,
		route:  route,
	}, ctx
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and writes one structured line for the request.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	text, number := severityForStatus(status, err)
	attrs := []attribute.KeyValue{
		attribute.String("http.method", m.method),
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("projecthub.request.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("projecthub.request.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(attrs...)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", text),
	}, attrs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
	if text == "ERROR" {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}

	if m.logger != nil {
		logged := make(map[string]any, len(attrs))
		for _, kv := range attrs {
			logged[string(kv.Key)] = kv.Value.AsInterface()
		}
		fields := log.Fields{
			"event.name":      requestEventName,
			"event.domain":    requestEventDomain,
			"severity_text":   text,
			"severity_number": number,
			"attributes":      logged,
		}
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
		m.logger.WithFields(fields).Log(levelForSeverity(text), observabilityEvent)
	}
	m.span.End()
}

// severityForStatus follows the OpenTelemetry log severity numbers.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(text string) log.Level {
	switch text {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// MetricsMiddleware opens a span per request and logs its outcome.
func MetricsMiddleware(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			metrics, ctx := newRequestMetrics(req.Context(), logger, req.Method, route)
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsKey, metrics)

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			metrics.Log(c.Response().Status, err)
			return nil
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsKey).(*requestMetrics)
	return m
}
