// Package metrics exposes request and offload pool metrics for Prometheus.
package metrics

import (
	"net/http"
	"priceservice/pool"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	poolQueueDepth   prometheus.Gauge
	poolTasksTotal   *prometheus.CounterVec
	poolRefusedTotal *prometheus.CounterVec
	poolQueueWait    prometheus.Histogram
	poolTaskDuration prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewCollector registers all metrics on a fresh registry.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		poolQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker, sampled at enqueue",
		}),
		poolTasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "tasks_total",
				Help:      "Tasks run by the offload pool by outcome",
			},
			[]string{"outcome"},
		),
		poolRefusedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "refused_total",
				Help:      "Submissions the offload pool refused",
			},
			[]string{"kind"},
		),
		poolQueueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queue_wait_seconds",
			Help:      "Time a task spent queued before a worker picked it up",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		poolTaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "task_duration_seconds",
			Help:      "Task run time on a worker",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		gatherer: reg,
	}
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (c *Collector) TaskQueued(depth int) {
	c.poolQueueDepth.Set(float64(depth))
}

func (c *Collector) TaskDone(outcome string, wait, run time.Duration) {
	c.poolTasksTotal.WithLabelValues(outcome).Inc()
	c.poolQueueWait.Observe(wait.Seconds())
	c.poolTaskDuration.Observe(run.Seconds())
}

func (c *Collector) TaskRefused(kind pool.Kind) {
	c.poolRefusedTotal.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
