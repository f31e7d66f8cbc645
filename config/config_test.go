package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"priceservice/logs"
	"priceservice/tracer"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, tracer.ExporterStdout, cfg.Tracing.Exporter)
	assert.Equal(t, 8, cfg.Pool.Workers)
	assert.Equal(t, 64, cfg.Pool.QueueDepth)
	assert.Zero(t, cfg.RateLimit.RPS)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
  request_timeout: 250ms
tracing:
  service_name: pricing
  exporter: otlpgrpc
  endpoint: collector:4317
pool:
  workers: 3
  queue_depth: 5
  enqueue_timeout: 50ms
fault_ids: [7, 9]
`)
	t.Setenv("PRICE_POOL_WORKERS", "6")
	t.Setenv("PRICE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.RequestTimeout)
	assert.Equal(t, "pricing", cfg.Tracing.ServiceName)
	assert.Equal(t, tracer.ExporterOTLPGRPC, cfg.Tracing.Exporter)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, 6, cfg.Pool.Workers)
	assert.Equal(t, 5, cfg.Pool.QueueDepth)
	assert.Equal(t, 50*time.Millisecond, cfg.Pool.EnqueueTimeout)
	assert.Equal(t, []int64{7, 9}, cfg.FaultIDs)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "collector:4317", cfg.Log.Endpoint)
}

func TestLoad_LegacyElasticEnv(t *testing.T) {
	t.Setenv("ELASTIC_APM_SERVICE_NAME", "legacy")
	t.Setenv("ELASTIC_APM_ENDPOINT", "https://apm.example.com:443")
	t.Setenv("ELASTIC_APM_API_KEY", "secret")
	t.Setenv("PRICE_TRACE_EXPORTER", "otlphttp")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.Tracing.ServiceName)
	assert.Equal(t, "https://apm.example.com:443", cfg.Tracing.Endpoint)
	assert.Equal(t, "secret", cfg.Tracing.APIKey)
	assert.Equal(t, tracer.ExporterOTLPHTTP, cfg.Tracing.Exporter)
}

func TestLoad_LegacyHTTPSEndpointKeepsTLS(t *testing.T) {
	hits := make(chan bool, 4)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.TLS != nil && r.Header.Get("Authorization") == "ApiKey secret"
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("ELASTIC_APM_ENDPOINT", srv.URL+"/v1/traces")
	t.Setenv("ELASTIC_APM_API_KEY", "secret")
	t.Setenv("PRICE_TRACE_EXPORTER", "otlphttp")

	cfg, err := Load("")
	require.NoError(t, err)
	// the default only applies to host:port endpoints
	require.True(t, cfg.Tracing.Insecure)

	tlsCfg := srv.Client().Transport.(*http.Transport).TLSClientConfig
	tc, err := tracer.Init(context.Background(), cfg.Tracing, tracer.WithTLSConfig(tlsCfg), tracer.WithSyncer())
	require.NoError(t, err)
	_, span := tc.Tracer().Start(context.Background(), "GET /price id=1")
	span.End()
	require.NoError(t, tc.Shutdown(context.Background()))

	require.Len(t, hits, 1)
	assert.True(t, <-hits)
}

func TestLoad_ZeroSampleRateFromEnv(t *testing.T) {
	t.Setenv("PRICE_TRACE_SAMPLE_RATE", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Zero(t, cfg.Tracing.SampleRate)
}

func TestLoad_FaultIDsFromEnv(t *testing.T) {
	t.Setenv("PRICE_FAULT_IDS", "1, 2,3")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, cfg.FaultIDs)

	t.Setenv("PRICE_FAULT_IDS", "1,x")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "server: ["))
	assert.Error(t, err)

	t.Setenv("PRICE_TRACE_EXPORTER", "otlpgrpc")
	_, err = Load("")
	assert.ErrorContains(t, err, "requires an endpoint")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.Pool.Workers = 0
	bad.Server.RequestTimeout = 0
	bad.Log.Exporter = logs.ExporterKind("syslog")
	bad.RateLimit.RPS = 5
	bad.RateLimit.Burst = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
	assert.Contains(t, err.Error(), "request timeout")
	assert.Contains(t, err.Error(), "syslog")
	assert.Contains(t, err.Error(), "burst")
}
