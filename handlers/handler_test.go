package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"priceservice/pool"
	"priceservice/pricing"
	"priceservice/tracer"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// keptExporter holds spans in memory and keeps them across Shutdown,
// which tracetest.InMemoryExporter would otherwise clear.
type keptExporter struct {
	*tracetest.InMemoryExporter
}

func (keptExporter) Shutdown(context.Context) error { return nil }

type fixture struct {
	handler http.Handler
	pool    *pool.Pool
	tc      *tracer.TracingContext
	exp     keptExporter
}

func newFixture(t *testing.T, quoter pricing.Quoter, poolCfg pool.Config, timeout time.Duration, opts ...tracer.Option) *fixture {
	t.Helper()
	exp := keptExporter{tracetest.NewInMemoryExporter()}
	opts = append([]tracer.Option{tracer.WithExporter(exp)}, opts...)
	tc, err := tracer.Init(context.Background(),
		tracer.Config{ServiceName: "price-test", Environment: "TEST", Exporter: tracer.ExporterNone, SampleRate: 1},
		opts...)
	require.NoError(t, err)

	p := pool.New(poolCfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
		_ = tc.Shutdown(ctx)
	})

	return &fixture{
		handler: PriceHandler(PriceDeps{
			Spans:   tracer.NewController(tc),
			Pool:    p,
			Quoter:  quoter,
			Timeout: timeout,
		}),
		pool: p,
		tc:   tc,
		exp:  exp,
	}
}

func (f *fixture) get(rawQuery string, header http.Header) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/price?"+rawQuery, nil)
	for k, v := range header {
		r.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func defaultPool() pool.Config { return pool.Config{Workers: 4, QueueDepth: 128} }

func TestPrice_Success(t *testing.T) {
	f := newFixture(t, pricing.QuoterFunc(pricing.Quote), defaultPool(), time.Second, tracer.WithSyncer())

	w := f.get("id=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var res pricing.PriceResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(7), res.ID)
	assert.GreaterOrEqual(t, res.Price, 1.0)
	assert.Less(t, res.Price, 51.0)
	assert.InDelta(t, math.Round(res.Price*100), res.Price*100, 1e-6)

	spans := f.exp.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "GET /price id=7", s.Name)
	assert.Equal(t, trace.SpanKindServer, s.SpanKind)
	assert.Equal(t, codes.Ok, s.Status.Code)
	v, ok := spanAttr(s, "price.id")
	require.True(t, ok)
	assert.Equal(t, int64(7), v.AsInt64())
	v, ok = spanAttr(s, "price.value")
	require.True(t, ok)
	assert.Equal(t, res.Price, v.AsFloat64())
}

func TestPrice_ClientErrors(t *testing.T) {
	f := newFixture(t, pricing.QuoterFunc(pricing.Quote), defaultPool(), time.Second, tracer.WithSyncer())

	for _, q := range []string{"id=abc", "id=1.5", ""} {
		w := f.get(q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	spans := f.exp.GetSpans()
	require.Len(t, spans, 3)
	for _, s := range spans {
		assert.Equal(t, codes.Error, s.Status.Code)
		v, ok := spanAttr(s, tracer.AttrErrorKind)
		require.True(t, ok)
		assert.Equal(t, "ClientError", v.AsString())
	}
	assert.Equal(t, "GET /price", spans[2].Name)
	assert.Zero(t, f.pool.Stats().Submitted)
}

func TestPrice_ComputationFault(t *testing.T) {
	quoter := pricing.NewFaultInjector(pricing.QuoterFunc(pricing.Quote), 13)
	f := newFixture(t, quoter, defaultPool(), time.Second, tracer.WithSyncer())

	w := f.get("id=13", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "injected fault for id 13")
	assert.NotContains(t, w.Body.String(), "goroutine")

	spans := f.exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	v, ok := spanAttr(spans[0], tracer.AttrErrorMessage)
	require.True(t, ok)
	assert.Equal(t, "injected fault for id 13", v.AsString())
	v, _ = spanAttr(spans[0], tracer.AttrErrorKind)
	assert.Equal(t, "ComputationPanic", v.AsString())

	// other ids are unaffected
	assert.Equal(t, http.StatusOK, f.get("id=14", nil).Code)
}

func TestPrice_SaturatedPoolRejects(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	quoter := pricing.QuoterFunc(func(id int64) pricing.PriceResult {
		if id == 1 {
			once.Do(func() { close(started) })
			<-release
		}
		return pricing.PriceResult{ID: id, Price: 10}
	})
	f := newFixture(t, quoter, pool.Config{Workers: 1, QueueDepth: 0}, 5*time.Second, tracer.WithSyncer())

	done := make(chan int)
	go func() { done <- f.get("id=1", nil).Code }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking request never reached a worker")
	}

	w := f.get("id=2", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "pool rejected")

	close(release)
	assert.Equal(t, http.StatusOK, <-done)

	spans := f.exp.GetSpans()
	require.Len(t, spans, 2)
	rejected := spans[0]
	assert.Equal(t, "GET /price id=2", rejected.Name)
	assert.Equal(t, codes.Error, rejected.Status.Code)
	v, _ := spanAttr(rejected, tracer.AttrErrorKind)
	assert.Equal(t, "PoolRejected", v.AsString())
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
}

func TestPrice_TimeoutDiscardsResult(t *testing.T) {
	release := make(chan struct{})
	quoter := pricing.QuoterFunc(func(id int64) pricing.PriceResult {
		<-release
		return pricing.PriceResult{ID: id, Price: 10}
	})
	f := newFixture(t, quoter, defaultPool(), 20*time.Millisecond, tracer.WithSyncer())

	w := f.get("id=5", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "timeout")

	spans := f.exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "timeout", spans[0].Status.Description)

	close(release)
	assert.Eventually(t, func() bool { return f.pool.Stats().Completed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.exp.GetSpans(), 1)
}

func TestPrice_ConcurrentRequestsStayCorrelated(t *testing.T) {
	f := newFixture(t, pricing.NewRandomQuoter(7), pool.Config{Workers: 8, QueueDepth: 200}, 5*time.Second, tracer.WithSyncer())

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w := f.get(fmt.Sprintf("id=%d", id), nil)
			if w.Code != http.StatusOK {
				errs <- fmt.Errorf("id %d: status %d", id, w.Code)
				return
			}
			var res pricing.PriceResult
			if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
				errs <- err
				return
			}
			if res.ID != int64(id) {
				errs <- fmt.Errorf("id %d: got result for %d", id, res.ID)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	spans := f.exp.GetSpans()
	require.Len(t, spans, n)
	seen := make(map[string]bool, n)
	for _, s := range spans {
		assert.Equal(t, codes.Ok, s.Status.Code)
		v, _ := spanAttr(s, "price.id")
		assert.Equal(t, fmt.Sprintf("GET /price id=%d", v.AsInt64()), s.Name)
		seen[s.Name] = true
	}
	assert.Len(t, seen, n)
}

func TestPrice_ShutdownFlushesEverySpan(t *testing.T) {
	// batched export: nothing is guaranteed to be exported until shutdown
	f := newFixture(t, pricing.QuoterFunc(pricing.Quote), defaultPool(), time.Second)

	const n = 40
	for i := 0; i < n; i++ {
		q := fmt.Sprintf("id=%d", i)
		if i%10 == 0 {
			q = "id=bad"
		}
		f.get(q, nil)
	}
	require.NoError(t, f.tc.Shutdown(context.Background()))
	assert.Len(t, f.exp.GetSpans(), n)
}

func TestPrice_JoinsIncomingTrace(t *testing.T) {
	f := newFixture(t, pricing.QuoterFunc(pricing.Quote), defaultPool(), time.Second, tracer.WithSyncer())

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	const parentID = "00f067aa0ba902b7"
	h := http.Header{}
	h.Set("traceparent", "00-"+traceID+"-"+parentID+"-01")

	require.Equal(t, http.StatusOK, f.get("id=3", h).Code)

	spans := f.exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, traceID, spans[0].SpanContext.TraceID().String())
	assert.Equal(t, parentID, spans[0].Parent.SpanID().String())
	assert.True(t, spans[0].Parent.IsRemote())
}

func TestParseID(t *testing.T) {
	id, err := parseID("-42")
	require.NoError(t, err)
	assert.Equal(t, int64(-42), id)

	_, err = parseID("")
	assert.EqualError(t, err, "missing id parameter")

	_, err = parseID("99999999999999999999")
	assert.Error(t, err)
}
