// Command pricecheck calls a running price service for a list of ids,
// each call under a client span whose context is sent along with the
// request so the server span joins the same trace.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"priceservice/logs"
	"priceservice/pricing"
	"priceservice/tracer"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "price service base URL")
	ids := flag.String("ids", "1,2,3", "comma separated ids to price")
	concurrency := flag.Int("concurrency", 4, "parallel requests")
	exporter := flag.String("exporter", string(tracer.ExporterStdout), "trace exporter: stdout, otlpgrpc, otlphttp, none")
	endpoint := flag.String("endpoint", os.Getenv("PRICE_OTLP_ENDPOINT"), "OTLP endpoint")
	sampleRate := flag.Float64("sample-rate", 1, "fraction of calls traced")
	flag.Parse()

	ctx := context.Background()
	l, err := logs.NewOtelLoggerBuilder().WithServiceName("pricecheck").Build(ctx)
	if err != nil {
		panic(err)
	}
	defer l.Shutdown(ctx)

	tc, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "pricecheck",
		Exporter:    tracer.ExporterKind(*exporter),
		Endpoint:    *endpoint,
		Insecure:    true,
		SampleRate:  *sampleRate,
	})
	if err != nil {
		l.Error(nil, "init tracing: ", err)
		os.Exit(1)
	}
	defer tc.Shutdown(ctx)

	c := &checker{
		client:  &http.Client{Timeout: 10 * time.Second},
		spans:   tracer.NewController(tc),
		baseURL: strings.TrimRight(*baseURL, "/"),
	}

	sem := make(chan struct{}, max(*concurrency, 1))
	var wg sync.WaitGroup
	failed := false
	var mu sync.Mutex
	for _, raw := range strings.Split(*ids, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			l.Warnf(nil, "skipping invalid id %q", raw)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := c.check(ctx, id)
			if err != nil {
				l.Errorf(nil, "id %d: %v", id, err)
				mu.Lock()
				failed = true
				mu.Unlock()
				return
			}
			l.LogJson(nil, "price", res)
		}(id)
	}
	wg.Wait()

	if failed {
		_ = tc.Shutdown(ctx)
		_ = l.Shutdown(ctx)
		os.Exit(1)
	}
}

type checker struct {
	client  *http.Client
	spans   *tracer.Controller
	baseURL string
}

func (c *checker) check(ctx context.Context, id int64) (res pricing.PriceResult, err error) {
	err = c.spans.Within(ctx, fmt.Sprintf("pricecheck id=%d", id), trace.SpanKindClient, func(ctx context.Context, span *tracer.SpanHandle) error {
		u := c.baseURL + "/price?" + url.Values{"id": {strconv.FormatInt(id, 10)}}.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("request creation failed: %w", err)
		}
		span.Inject(propagation.HeaderCarrier(req.Header))

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("outbound call failed: %w", err)
		}
		defer resp.Body.Close()
		span.Annotate("http.response.status_code", resp.StatusCode)

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		span.Annotate("price.value", res.Price)
		return nil
	})
	return res, err
}
