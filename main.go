package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"priceservice/config"
	"priceservice/handlers"
	"priceservice/logs"
	"priceservice/metrics"
	"priceservice/middleware"
	"priceservice/pool"
	"priceservice/pricing"
	"priceservice/tracer"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("PRICE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := logs.NewOtelLoggerBuilder().
		WithEndpointUrl(cfg.Log.Endpoint).
		WithServiceName(cfg.Tracing.ServiceName).
		WithEnvironment(cfg.Tracing.Environment).
		WithAuthHeader(cfg.Tracing.APIKey).
		WithExporter(cfg.Log.Exporter).
		WithLevel(cfg.Log.Level).
		WithGlobalProvider().
		Build(ctx)
	if err != nil {
		panic(err)
	}

	if err := run(ctx, cfg, l); err != nil {
		l.Error(nil, "price service stopped with error: ", err)
		_ = l.Shutdown(context.Background())
		os.Exit(1)
	}
	_ = l.Shutdown(context.Background())
}

// run owns the process lifecycle: tracing is up before the listener
// accepts, and spans are flushed only after the listener and pool stop.
func run(ctx context.Context, cfg config.Config, l logs.OtelLogging) error {
	tc, err := tracer.Init(ctx, cfg.Tracing, tracer.WithGlobal())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	collector := metrics.NewCollector("price_service")
	p := pool.New(cfg.Pool, pool.WithLogger(l.Zap()), pool.WithObserver(collector))

	var quoter pricing.Quoter = pricing.NewRandomQuoter(uint64(time.Now().UnixNano()))
	if len(cfg.FaultIDs) > 0 {
		quoter = pricing.NewFaultInjector(quoter, cfg.FaultIDs...)
		l.Warnf(nil, "fault injection enabled for ids %v", cfg.FaultIDs)
	}

	var limiter *middleware.LimiterStore
	if cfg.RateLimit.RPS > 0 {
		limiter = middleware.NewLimiterStore(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 0)
		limiter.StartJanitor(ctx, 0)
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: newHandler(handlers.PriceDeps{
			Spans:   tracer.NewController(tc),
			Pool:    p,
			Quoter:  quoter,
			Logger:  l,
			Timeout: cfg.Server.RequestTimeout,
		}, l, collector, limiter, cfg.RateLimit.TrustXFF),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	servers := []*http.Server{srv}
	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", collector.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen on %s: %w", s.Addr, err)
			}
		}(s)
	}
	l.Zap().Info("Starting server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("trace_exporter", string(cfg.Tracing.Exporter)),
		zap.Int("pool_workers", cfg.Pool.Workers),
		zap.Int("pool_queue_depth", cfg.Pool.QueueDepth),
		zap.Duration("request_timeout", cfg.Server.RequestTimeout),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		l.Info(nil, "shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	errs := []error{serveErr}
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", s.Addr, err))
		}
	}
	if err := p.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := tc.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	stats := p.Stats()
	l.Zap().Info("price service stopped",
		zap.Int64("tasks_completed", stats.Completed),
		zap.Int64("tasks_panicked", stats.Panicked),
		zap.Int64("tasks_rejected", stats.Rejected+stats.Exhausted),
	)
	return errors.Join(errs...)
}

func newHandler(deps handlers.PriceDeps, l logs.OtelLogging, collector *metrics.Collector, limiter *middleware.LimiterStore, trustXFF bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /price", handlers.PriceHandler(deps))
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	h := middleware.RateLimit(limiter, trustXFF)(mux)
	return middleware.AccessLog(l, collector)(h)
}
