package middleware

import (
	"net/http"
	"priceservice/logs"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// RequestRecorder is notified of every finished request.
type RequestRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
}

// AccessLog logs one line per response and records request metrics. The
// handler can attach its request span with AttachSpan so the line carries
// the span's trace and span ids.
func AccessLog(logger logs.OtelLogging, recorder RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			// Wrap ResponseWriter to capture status
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			meta := logs.BuildRequestMeta(r, sr.statusCode, started)
			logger.LogHttpResponse(sr.span, meta)
			if recorder != nil {
				recorder.RecordHTTPRequest(r.Method, r.URL.Path, sr.statusCode, meta.Duration)
			}
		})
	}
}

// AttachSpan associates span with the response being written through w.
// It is a no-op when w was not wrapped by AccessLog.
func AttachSpan(w http.ResponseWriter, span trace.Span) {
	if sr, ok := w.(*statusRecorder); ok {
		sr.span = span
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	span        trace.Span
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
