package logs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Header map[string]string

type ExporterKind string

const (
	ExporterStdout   ExporterKind = "stdout"
	ExporterOTLPGRPC ExporterKind = "otlpgrpc"
	ExporterOTLPHTTP ExporterKind = "otlphttp"
	ExporterNone     ExporterKind = "none"
)

type OtelLoggerBuilder struct {
	endpointUrl string
	headers     map[string]string
	serviceName string
	environment string
	exporter    ExporterKind
	level       zapcore.Level
	console     io.Writer
	global      bool
}

func NewOtelLoggerBuilder() *OtelLoggerBuilder {
	return &OtelLoggerBuilder{
		headers:  make(map[string]string),
		exporter: ExporterNone,
		level:    zap.InfoLevel,
		console:  os.Stdout,
	}
}

func (b *OtelLoggerBuilder) WithEndpointUrl(endpointUrl string) *OtelLoggerBuilder {
	b.endpointUrl = endpointUrl
	return b
}

func (b *OtelLoggerBuilder) WithHeaders(headers Header) *OtelLoggerBuilder {
	for key, value := range headers {
		b.headers[key] = value
	}
	return b
}

func (b *OtelLoggerBuilder) WithAuthHeader(token string) *OtelLoggerBuilder {
	if token == "" {
		return b
	}
	return b.WithHeaders(Header{
		"Authorization": "ApiKey " + token,
	})
}

func (b *OtelLoggerBuilder) WithServiceName(serviceName string) *OtelLoggerBuilder {
	b.serviceName = serviceName
	return b
}

func (b *OtelLoggerBuilder) WithEnvironment(env string) *OtelLoggerBuilder {
	b.environment = env
	return b
}

func (b *OtelLoggerBuilder) WithExporter(kind ExporterKind) *OtelLoggerBuilder {
	b.exporter = kind
	return b
}

func (b *OtelLoggerBuilder) WithConsoleExporter() *OtelLoggerBuilder {
	return b.WithExporter(ExporterStdout)
}

// WithLevel accepts zap level names ("debug", "info", ...).
func (b *OtelLoggerBuilder) WithLevel(level string) *OtelLoggerBuilder {
	if lvl, err := zapcore.ParseLevel(strings.ToLower(level)); err == nil {
		b.level = lvl
	}
	return b
}

// WithConsole redirects the human readable console output.
func (b *OtelLoggerBuilder) WithConsole(w io.Writer) *OtelLoggerBuilder {
	b.console = w
	return b
}

// WithGlobalProvider registers the log provider with otel/log/global.
func (b *OtelLoggerBuilder) WithGlobalProvider() *OtelLoggerBuilder {
	b.global = true
	return b
}

func (b *OtelLoggerBuilder) Build(ctx context.Context) (OtelLogging, error) {
	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(b.console)), b.level)

	if b.exporter == ExporterNone || b.exporter == "" {
		return NewOtelLogging(zap.New(consoleCore), nil), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(b.serviceName),
			semconv.DeploymentEnvironment(b.environment),
			semconv.TelemetrySDKLanguageGo,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := b.newExporter(ctx)
	if err != nil {
		return nil, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	if b.global {
		global.SetLoggerProvider(provider)
	}

	core := zapcore.NewTee(
		consoleCore,
		otelzap.NewCore(b.serviceName, otelzap.WithLoggerProvider(provider)),
	)
	return NewOtelLogging(zap.New(core), provider), nil
}

func (b *OtelLoggerBuilder) newExporter(ctx context.Context) (sdklog.Exporter, error) {
	switch b.exporter {
	case ExporterStdout:
		exporter, err := stdoutlog.New(stdoutlog.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, nil
	case ExporterOTLPGRPC:
		exporter, err := otlploggrpc.New(ctx,
			otlploggrpc.WithEndpointURL(b.endpointUrl),
			otlploggrpc.WithHeaders(b.headers),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC log exporter for %s: %w", b.endpointUrl, err)
		}
		return exporter, nil
	case ExporterOTLPHTTP:
		exporter, err := otlploghttp.New(ctx,
			otlploghttp.WithEndpointURL(b.endpointUrl),
			otlploghttp.WithHeaders(b.headers),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP log exporter for %s: %w", b.endpointUrl, err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unknown log exporter %q", b.exporter)
	}
}
