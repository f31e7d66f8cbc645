// Package config loads service settings: defaults, then an optional YAML
// file, then PRICE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"priceservice/logs"
	"priceservice/pool"
	"priceservice/tracer"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "PRICE_"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tracing   tracer.Config   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
	Pool      pool.Config     `yaml:"pool"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// FaultIDs makes the price computation panic for these ids.
	FaultIDs []int64 `yaml:"fault_ids"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level    string            `yaml:"level"`
	Exporter logs.ExporterKind `yaml:"exporter"`
	Endpoint string            `yaml:"endpoint"`
}

type RateLimitConfig struct {
	RPS      float64 `yaml:"rps"`
	Burst    int     `yaml:"burst"`
	TrustXFF bool    `yaml:"trust_xff"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  5 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     90 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Tracing: tracer.Config{
			ServiceName: "price-service",
			Environment: "development",
			Exporter:    tracer.ExporterStdout,
			Insecure:    true,
			SampleRate:  1,
		},
		Log: LogConfig{
			Level:    "info",
			Exporter: logs.ExporterNone,
		},
		Pool: pool.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Burst: 20,
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Addr = getenvDefault("LISTEN_ADDR", cfg.Server.Addr)
	cfg.Server.MetricsAddr = getenvDefault("METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Server.RequestTimeout = getenvDurationDefault("REQUEST_TIMEOUT", cfg.Server.RequestTimeout)
	cfg.Server.ShutdownTimeout = getenvDurationDefault("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	// the ELASTIC_APM_* names are still honoured for existing deployments
	cfg.Tracing.ServiceName = getenvDefault("SERVICE_NAME", firstNonEmpty(os.Getenv("ELASTIC_APM_SERVICE_NAME"), cfg.Tracing.ServiceName))
	cfg.Tracing.Endpoint = getenvDefault("OTLP_ENDPOINT", firstNonEmpty(os.Getenv("ELASTIC_APM_ENDPOINT"), cfg.Tracing.Endpoint))
	cfg.Tracing.APIKey = getenvDefault("OTLP_API_KEY", firstNonEmpty(os.Getenv("ELASTIC_APM_API_KEY"), cfg.Tracing.APIKey))
	cfg.Tracing.Environment = getenvDefault("ENVIRONMENT", cfg.Tracing.Environment)
	cfg.Tracing.Exporter = tracer.ExporterKind(getenvDefault("TRACE_EXPORTER", string(cfg.Tracing.Exporter)))
	cfg.Tracing.Insecure = getenvBoolDefault("OTLP_INSECURE", cfg.Tracing.Insecure)
	cfg.Tracing.SampleRate = getenvFloatDefault("TRACE_SAMPLE_RATE", cfg.Tracing.SampleRate)

	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Exporter = logs.ExporterKind(getenvDefault("LOG_EXPORTER", string(cfg.Log.Exporter)))
	cfg.Log.Endpoint = getenvDefault("LOG_ENDPOINT", firstNonEmpty(cfg.Log.Endpoint, cfg.Tracing.Endpoint))

	cfg.Pool.Workers = getenvIntDefault("POOL_WORKERS", cfg.Pool.Workers)
	cfg.Pool.QueueDepth = getenvIntDefault("POOL_QUEUE_DEPTH", cfg.Pool.QueueDepth)
	cfg.Pool.EnqueueTimeout = getenvDurationDefault("POOL_ENQUEUE_TIMEOUT", cfg.Pool.EnqueueTimeout)

	cfg.RateLimit.RPS = getenvFloatDefault("RATE_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = getenvIntDefault("RATE_BURST", cfg.RateLimit.Burst)
	cfg.RateLimit.TrustXFF = getenvBoolDefault("TRUST_XFF", cfg.RateLimit.TrustXFF)

	if v := os.Getenv(envPrefix + "FAULT_IDS"); v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("%sFAULT_IDS: %w", envPrefix, err)
		}
		cfg.FaultIDs = ids
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server addr is required"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be > 0"))
	}
	if c.Tracing.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if err := c.Tracing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Exporter {
	case logs.ExporterNone, logs.ExporterStdout, "":
	case logs.ExporterOTLPGRPC, logs.ExporterOTLPHTTP:
		if c.Log.Endpoint == "" {
			errs = append(errs, fmt.Errorf("log exporter %q requires an endpoint", c.Log.Exporter))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown log exporter %q", c.Log.Exporter))
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate limit rps must be >= 0"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate limit burst must be > 0"))
	}
	return errors.Join(errs...)
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(envPrefix + k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(envPrefix + k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(envPrefix + k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(envPrefix + k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(envPrefix + k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
