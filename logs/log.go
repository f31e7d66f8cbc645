package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RequestMeta struct {
	Status    int
	Path      string
	Domain    string
	Agent     string
	Method    string
	RemoteIP  string
	Query     string
	RequestID string
	Duration  time.Duration
}

// OtelLogging writes zap log lines correlated with a span. The span may be
// nil for lines outside any request.
type OtelLogging interface {
	Debug(span trace.Span, args ...interface{})
	Debugf(span trace.Span, template string, args ...interface{})
	Info(span trace.Span, args ...interface{})
	Infof(span trace.Span, template string, args ...interface{})
	Warn(span trace.Span, args ...interface{})
	Warnf(span trace.Span, template string, args ...interface{})
	Error(span trace.Span, args ...interface{})
	Errorf(span trace.Span, template string, args ...interface{})
	LogHttpResponse(span trace.Span, meta RequestMeta)
	LogJson(span trace.Span, label string, value interface{})
	Zap() *zap.Logger
	Shutdown(ctx context.Context) error
}

type otelLog struct {
	logger   *zap.Logger
	provider *sdklog.LoggerProvider
}

// NewOtelLogging wraps zapLogger. provider, when set, is flushed and shut
// down by Shutdown.
func NewOtelLogging(zapLogger *zap.Logger, provider *sdklog.LoggerProvider) OtelLogging {
	return &otelLog{logger: zapLogger, provider: provider}
}

func NewNop() OtelLogging {
	return &otelLog{logger: zap.NewNop()}
}

func (l *otelLog) Zap() *zap.Logger { return l.logger }

func (l *otelLog) Shutdown(ctx context.Context) error {
	_ = l.logger.Sync()
	if l.provider == nil {
		return nil
	}
	if err := l.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown logger provider: %w", err)
	}
	return nil
}

func (l *otelLog) logSpan(span trace.Span, level, message string) []zap.Field {
	if span == nil || !span.SpanContext().IsValid() {
		return nil
	}
	traceID := span.SpanContext().TraceID().String()
	spanID := span.SpanContext().SpanID().String()

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("log.level", level),
			attribute.String("log.message", message),
		)
	}
	return []zap.Field{zap.String("trace_id", traceID), zap.String("span_id", spanID)}
}

func (l *otelLog) LogJson(span trace.Span, label string, value interface{}) {
	jsonBytes, err := json.Marshal(value)
	if err != nil {
		l.logger.Error("Failed to marshal JSON",
			zap.String("label", label),
			zap.Error(err),
		)
		return
	}

	fields := l.logSpan(span, "INFO", label)
	l.logger.Info("Logging JSON", append(fields, zap.String(label, string(jsonBytes)))...)
}

func (l *otelLog) LogHttpResponse(span trace.Span, meta RequestMeta) {
	logFields := []zap.Field{
		zap.Int("http_status", meta.Status),
		zap.Duration("duration", meta.Duration),
	}
	if span != nil && span.SpanContext().IsValid() {
		logFields = append(logFields,
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	if meta.Path != "" {
		logFields = append(logFields, zap.String("http_path", meta.Path))
	}
	if meta.Domain != "" {
		logFields = append(logFields, zap.String("http_domain", meta.Domain))
	}
	if meta.Agent != "" {
		logFields = append(logFields, zap.String("user_agent", meta.Agent))
	}
	if meta.Method != "" {
		logFields = append(logFields, zap.String("http_method", meta.Method))
	}
	if meta.RemoteIP != "" {
		logFields = append(logFields, zap.String("remote_ip", meta.RemoteIP))
	}
	if meta.Query != "" {
		logFields = append(logFields, zap.String("query_params", meta.Query))
	}
	if meta.RequestID != "" {
		logFields = append(logFields, zap.String("request_id", meta.RequestID))
	}

	log := l.logger.With(logFields...)

	switch {
	case meta.Status >= 500:
		log.Error("Internal Server Error occurred")
	case meta.Status >= 400:
		log.Warn("Client error response recorded")
	case meta.Status >= 300:
		log.Info("Redirection response recorded")
	case meta.Status >= 200:
		log.Info("Successful response recorded")
	default:
		log.Info("Unexpected status code recorded")
	}
}

func BuildRequestMeta(r *http.Request, status int, started time.Time) RequestMeta {
	domain := r.URL.Hostname()
	if domain == "" {
		domain = r.Host
	}
	return RequestMeta{
		Status:    status,
		Path:      r.URL.Path,
		Domain:    domain,
		Agent:     r.UserAgent(),
		Method:    r.Method,
		RemoteIP:  r.RemoteAddr,
		Query:     r.URL.RawQuery,
		RequestID: r.Header.Get("X-Request-ID"),
		Duration:  time.Since(started),
	}
}

func (l *otelLog) Debug(span trace.Span, args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.logger.Debug(msg, l.logSpan(span, "DEBUG", msg)...)
}

func (l *otelLog) Debugf(span trace.Span, template string, args ...interface{}) {
	l.Debug(span, fmt.Sprintf(template, args...))
}

func (l *otelLog) Info(span trace.Span, args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.logger.Info(msg, l.logSpan(span, "INFO", msg)...)
}

func (l *otelLog) Infof(span trace.Span, template string, args ...interface{}) {
	l.Info(span, fmt.Sprintf(template, args...))
}

func (l *otelLog) Warn(span trace.Span, args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.logger.Warn(msg, l.logSpan(span, "WARN", msg)...)
}

func (l *otelLog) Warnf(span trace.Span, template string, args ...interface{}) {
	l.Warn(span, fmt.Sprintf(template, args...))
}

func (l *otelLog) Error(span trace.Span, args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.logger.Error(msg, append(l.logSpan(span, "ERROR", msg), zap.Stack("stacktrace"))...)
}

func (l *otelLog) Errorf(span trace.Span, template string, args ...interface{}) {
	l.Error(span, fmt.Sprintf(template, args...))
}
