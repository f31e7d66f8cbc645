package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"priceservice/logs"
	"priceservice/middleware"
	"priceservice/pool"
	"priceservice/pricing"
	"priceservice/tracer"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	route          = "/price"
	maxNameIDBytes = 32

	kindClientError = "ClientError"
	kindTimeout     = "Timeout"
	kindCanceled    = "Canceled"
	kindEncoding    = "EncodingError"
)

type PriceDeps struct {
	Spans  *tracer.Controller
	Pool   *pool.Pool
	Quoter pricing.Quoter
	Logger logs.OtelLogging
	// Timeout bounds how long a request waits for its quote.
	Timeout time.Duration
}

// requestError is a failure together with the response it maps to.
type requestError struct {
	status int
	kind   string
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// PriceHandler serves GET /price?id=<integer>. Each request gets exactly
// one server span, finished before the handler returns on every path.
func PriceHandler(d PriceDeps) http.HandlerFunc {
	if d.Logger == nil {
		d.Logger = logs.NewNop()
	}
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Second
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := d.Spans.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		rawID := r.URL.Query().Get("id")

		_ = d.Spans.Within(ctx, spanName(r.Method, rawID), trace.SpanKindServer, func(ctx context.Context, span *tracer.SpanHandle) error {
			middleware.AttachSpan(w, span.Span())
			span.Annotate("http.request.method", r.Method)
			span.Annotate("http.route", route)

			body, err := d.price(ctx, span, rawID)
			if err != nil {
				var re *requestError
				if !errors.As(err, &re) {
					re = &requestError{status: http.StatusInternalServerError, kind: "Internal", err: err}
				}
				span.Annotate(tracer.AttrErrorKind, re.kind)
				span.Annotate("http.response.status_code", re.status)
				if re.status >= http.StatusInternalServerError {
					d.Logger.Error(span.Span(), "price request failed: ", re.err)
				} else {
					d.Logger.Warn(span.Span(), "price request rejected: ", re.err)
				}
				http.Error(w, re.err.Error(), re.status)
				return re
			}

			span.Annotate("http.response.status_code", http.StatusOK)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return nil
		})
	}
}

func (d PriceDeps) price(ctx context.Context, span *tracer.SpanHandle, rawID string) ([]byte, error) {
	id, err := parseID(rawID)
	if err != nil {
		return nil, &requestError{status: http.StatusBadRequest, kind: kindClientError, err: err}
	}
	span.Annotate("price.id", id)

	res, err := d.offload(ctx, span, id)
	if err != nil {
		return nil, classify(err)
	}
	span.Annotate("price.value", res.Price)

	body, err := json.Marshal(res)
	if err != nil {
		return nil, &requestError{status: http.StatusInternalServerError, kind: kindEncoding, err: err}
	}
	return body, nil
}

// offload runs the quote on the pool under the request deadline. On
// expiry the task is left to finish on its worker and its result dropped.
func (d PriceDeps) offload(ctx context.Context, span *tracer.SpanHandle, id int64) (pricing.PriceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	quoter := d.Quoter
	f, err := pool.Submit(ctx, d.Pool, func() pricing.PriceResult {
		return quoter.Quote(id)
	})
	if err != nil {
		return pricing.PriceResult{}, err
	}

	res, err := f.Await(ctx)
	if info := f.Info(); info.Worker != 0 {
		span.Annotate("pool.worker", info.Worker)
		span.Annotate("pool.queue_wait_ms", info.QueueWait)
		d.Logger.Debugf(span.Span(), "quote for id %d ran on worker %d after %s queued", id, info.Worker, info.QueueWait)
	}
	return res, err
}

func classify(err error) *requestError {
	if kind, ok := pool.KindOf(err); ok {
		return &requestError{status: http.StatusInternalServerError, kind: kind.String(), err: err}
	}
	switch {
	case errors.Is(err, pool.ErrTimeout):
		return &requestError{status: http.StatusGatewayTimeout, kind: kindTimeout, err: pool.ErrTimeout}
	case errors.Is(err, context.Canceled):
		return &requestError{status: http.StatusServiceUnavailable, kind: kindCanceled, err: errors.New("request canceled")}
	default:
		return &requestError{status: http.StatusInternalServerError, kind: "Internal", err: err}
	}
}

func parseID(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("missing id parameter")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: must be an integer", truncate(raw))
	}
	return id, nil
}

func spanName(method, rawID string) string {
	if rawID == "" {
		return method + " " + route
	}
	return method + " " + route + " id=" + truncate(rawID)
}

func truncate(s string) string {
	if len(s) > maxNameIDBytes {
		return s[:maxNameIDBytes]
	}
	return s
}
