package tracer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrErrorMessage = "error.message"
	AttrErrorKind    = "error.kind"
)

// Controller opens request spans on a TracingContext and hands back
// handles that end them exactly once.
type Controller struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func NewController(tc *TracingContext) *Controller {
	return &Controller{tracer: tc.Tracer(), propagator: tc.Propagator()}
}

// Extract returns ctx carrying the remote span context found in carrier.
func (c *Controller) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return c.propagator.Extract(ctx, carrier)
}

func (c *Controller) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, *SpanHandle) {
	ctx, span := c.tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
	return ctx, &SpanHandle{span: span, ctx: ctx, propagator: c.propagator}
}

// Within runs fn inside a span and finishes it with fn's error. A panic in
// fn finishes the span with status Error before the panic continues.
func (c *Controller) Within(ctx context.Context, name string, kind trace.SpanKind, fn func(context.Context, *SpanHandle) error) (err error) {
	ctx, h := c.Start(ctx, name, kind)
	defer func() {
		if r := recover(); r != nil {
			h.Finish(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		h.Finish(err)
	}()
	return fn(ctx, h)
}

type SpanHandle struct {
	span       trace.Span
	ctx        context.Context
	propagator propagation.TextMapPropagator

	mu       sync.Mutex
	finished bool
}

// Annotate sets an attribute on the span. Calls after Finish are ignored.
func (h *SpanHandle) Annotate(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.span.SetAttributes(Attr(key, value))
}

// Finish sets the terminal status and ends the span. Status is Ok when err
// is nil and Error otherwise, with the message kept as an attribute. Only
// the first call has an effect; it reports whether this call ended the span.
func (h *SpanHandle) Finish(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.finished = true

	if err != nil {
		h.span.RecordError(err)
		h.span.SetAttributes(attribute.String(AttrErrorMessage, err.Error()))
		h.span.SetStatus(codes.Error, err.Error())
	} else {
		h.span.SetStatus(codes.Ok, "")
	}
	h.span.End()
	return true
}

func (h *SpanHandle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// Context is the context carrying this span, for child spans and
// outbound calls.
func (h *SpanHandle) Context() context.Context { return h.ctx }

func (h *SpanHandle) SpanContext() trace.SpanContext { return h.span.SpanContext() }

func (h *SpanHandle) Span() trace.Span { return h.span }

// Inject writes the span's trace context into carrier, e.g. outbound
// request headers.
func (h *SpanHandle) Inject(carrier propagation.TextMapCarrier) {
	h.propagator.Inject(h.ctx, carrier)
}

func Attr(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int32:
		return attribute.Int64(key, int64(v))
	case int64:
		return attribute.Int64(key, v)
	case float32:
		return attribute.Float64(key, float64(v))
	case float64:
		return attribute.Float64(key, v)
	case time.Duration:
		return attribute.Float64(key, float64(v)/float64(time.Millisecond))
	case []string:
		return attribute.StringSlice(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	case error:
		return attribute.String(key, v.Error())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
