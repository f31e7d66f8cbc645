package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"priceservice/pricing"
	"priceservice/tracer"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newChecker(t *testing.T, h http.HandlerFunc) (*checker, *tracetest.InMemoryExporter) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	exp := tracetest.NewInMemoryExporter()
	tc, err := tracer.Init(context.Background(), tracer.Config{ServiceName: "pricecheck", Exporter: tracer.ExporterNone, SampleRate: 1},
		tracer.WithExporter(exp), tracer.WithSyncer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tc.Shutdown(context.Background()) })

	return &checker{client: srv.Client(), spans: tracer.NewController(tc), baseURL: srv.URL}, exp
}

func TestCheck_PropagatesTraceContext(t *testing.T) {
	var traceparent string
	c, exp := newChecker(t, func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_ = json.NewEncoder(w).Encode(pricing.PriceResult{ID: 4, Price: 9.99})
	})

	res, err := c.check(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, pricing.PriceResult{ID: 4, Price: 9.99}, res)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Contains(t, traceparent, spans[0].SpanContext.TraceID().String())
	assert.Contains(t, traceparent, spans[0].SpanContext.SpanID().String())
}

func TestCheck_ServerErrorMarksSpan(t *testing.T) {
	c, exp := newChecker(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "injected fault for id 4", http.StatusInternalServerError)
	})

	_, err := c.check(context.Background(), 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected fault for id 4")

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}
