package tracer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"google.golang.org/grpc/credentials"
)

type ExporterKind string

const (
	ExporterStdout   ExporterKind = "stdout"
	ExporterOTLPGRPC ExporterKind = "otlpgrpc"
	ExporterOTLPHTTP ExporterKind = "otlphttp"
	ExporterNone     ExporterKind = "none"
)

var (
	ErrAlreadyInitialized = errors.New("tracer: global tracing context already initialized")
	ErrAlreadyShutdown    = errors.New("tracer: tracing context already shut down")
)

type Config struct {
	ServiceName string       `yaml:"service_name"`
	Environment string       `yaml:"environment"`
	Exporter    ExporterKind `yaml:"exporter"`
	Endpoint    string       `yaml:"endpoint"`
	// Insecure disables TLS for endpoints given as host:port. An endpoint
	// URL decides by its scheme, so https:// always uses TLS.
	Insecure bool              `yaml:"insecure"`
	APIKey   string            `yaml:"api_key"`
	Headers  map[string]string `yaml:"headers"`
	// SampleRate is the fraction of root spans sampled. 0 samples none;
	// children follow their parent's decision.
	SampleRate float64 `yaml:"sample_rate"`
}

func (c Config) Validate() error {
	switch c.Exporter {
	case ExporterStdout, ExporterNone, "":
	case ExporterOTLPGRPC, ExporterOTLPHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("trace exporter %q requires an endpoint", c.Exporter)
		}
	default:
		return fmt.Errorf("unknown trace exporter %q", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be within [0, 1], got %v", c.SampleRate)
	}
	return nil
}

type options struct {
	exporter sdktrace.SpanExporter
	tls      *tls.Config
	syncer   bool
	global   bool
}

type Option func(*options)

// WithExporter replaces the exporter selected by Config.Exporter.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithTLSConfig sets the client TLS settings used by the OTLP exporters,
// e.g. a private CA.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// WithSyncer exports every span as it ends instead of batching.
func WithSyncer() Option {
	return func(o *options) { o.syncer = true }
}

// WithGlobal also registers the provider and propagator with the otel
// package globals. Only one TracingContext per process may do this.
func WithGlobal() Option {
	return func(o *options) { o.global = true }
}

var globalRegistered atomic.Bool

// TracingContext owns the process tracer provider. It is created once at
// startup, handed to whoever starts spans and shut down once at exit.
type TracingContext struct {
	provider     *sdktrace.TracerProvider
	tracer       trace.Tracer
	propagator   propagation.TextMapPropagator
	shutdownOnce sync.Once
	shutdown     atomic.Bool
}

func Init(ctx context.Context, cfg Config, opts ...Option) (_ *TracingContext, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.global {
		if !globalRegistered.CompareAndSwap(false, true) {
			return nil, ErrAlreadyInitialized
		}
		defer func() {
			if err != nil {
				globalRegistered.Store(false)
			}
		}()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(buildVersion()),
			semconv.DeploymentEnvironment(cfg.Environment),
			semconv.TelemetrySDKLanguageGo,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter := o.exporter
	if exporter == nil {
		exporter, err = newExporter(ctx, cfg, o.tls)
		if err != nil {
			return nil, err
		}
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	if exporter != nil {
		if o.syncer {
			tpOpts = append(tpOpts, sdktrace.WithSyncer(exporter))
		} else {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	if o.global {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	}

	return &TracingContext{
		provider:   tp,
		tracer:     tp.Tracer(cfg.ServiceName),
		propagator: prop,
	}, nil
}

func newExporter(ctx context.Context, cfg Config, tlsCfg *tls.Config) (sdktrace.SpanExporter, error) {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.APIKey != "" {
		headers["Authorization"] = "ApiKey " + cfg.APIKey
	}

	switch cfg.Exporter {
	case ExporterNone:
		return nil, nil
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithHeaders(headers)}
		if strings.Contains(cfg.Endpoint, "://") {
			opts = append(opts, otlptracegrpc.WithEndpointURL(cfg.Endpoint))
		} else {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		switch {
		case plaintext(cfg):
			opts = append(opts, otlptracegrpc.WithInsecure())
		case tlsCfg != nil:
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC trace exporter for %s: %w", cfg.Endpoint, err)
		}
		return exp, nil
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithHeaders(headers)}
		if strings.Contains(cfg.Endpoint, "://") {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		switch {
		case plaintext(cfg):
			opts = append(opts, otlptracehttp.WithInsecure())
		case tlsCfg != nil:
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP trace exporter for %s: %w", cfg.Endpoint, err)
		}
		return exp, nil
	default:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exp, nil
	}
}

// plaintext reports whether the exporter connection skips TLS.
func plaintext(cfg Config) bool {
	if i := strings.Index(cfg.Endpoint, "://"); i >= 0 {
		return strings.EqualFold(cfg.Endpoint[:i], "http")
	}
	return cfg.Insecure
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func (tc *TracingContext) Tracer() trace.Tracer { return tc.tracer }

func (tc *TracingContext) Propagator() propagation.TextMapPropagator { return tc.propagator }

func (tc *TracingContext) Provider() trace.TracerProvider { return tc.provider }

func (tc *TracingContext) ForceFlush(ctx context.Context) error {
	return tc.provider.ForceFlush(ctx)
}

// Shutdown flushes buffered spans and stops the exporter. Only the first
// call does any work; later calls return ErrAlreadyShutdown.
func (tc *TracingContext) Shutdown(ctx context.Context) error {
	err := ErrAlreadyShutdown
	tc.shutdownOnce.Do(func() {
		tc.shutdown.Store(true)
		err = tc.provider.Shutdown(ctx)
		if err != nil {
			err = fmt.Errorf("shutdown tracer provider: %w", err)
		}
	})
	return err
}

func (tc *TracingContext) IsShutdown() bool { return tc.shutdown.Load() }

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
