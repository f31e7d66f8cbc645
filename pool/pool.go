// Package pool runs blocking or CPU-bound work on a fixed set of worker
// goroutines so request handlers only wait on a result channel.
//
// Saturation policy: the pool admits up to Workers+QueueDepth tasks that
// are queued or running. Past that a submission fails fast with
// PoolRejected, or, if EnqueueTimeout is set, waits that long for room and
// then fails with PoolExhausted. A closed pool rejects every submission.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Config struct {
	Workers        int           `yaml:"workers"`
	QueueDepth     int           `yaml:"queue_depth"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Workers:    8,
		QueueDepth: 64,
	}
}

func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("pool workers must be >= 1, got %d", c.Workers)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("pool queue depth must be >= 0, got %d", c.QueueDepth)
	}
	if c.EnqueueTimeout < 0 {
		return fmt.Errorf("pool enqueue timeout must be >= 0, got %s", c.EnqueueTimeout)
	}
	return nil
}

// Observer receives pool events, e.g. for metrics.
type Observer interface {
	TaskQueued(depth int)
	TaskDone(kind string, wait, run time.Duration)
	TaskRefused(kind Kind)
}

type Option func(*Pool)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

type task struct {
	run         func(workerID int, queued time.Duration)
	submittedAt time.Time
}

type Pool struct {
	cfg   Config
	tasks chan *task
	// slots holds one token per task that is queued or running. A sender
	// that owns a token never blocks on tasks.
	slots    chan struct{}
	closing  chan struct{}
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	logger   *zap.Logger
	observer Observer

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64
	exhausted atomic.Int64
	abandoned atomic.Int64
	active    atomic.Int32
}

// New starts cfg.Workers workers. Invalid values fall back to the defaults.
func New(cfg Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	capacity := cfg.Workers + cfg.QueueDepth
	p := &Pool{
		cfg:     cfg,
		tasks:   make(chan *task, capacity),
		slots:   make(chan struct{}, capacity),
		closing: make(chan struct{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "offload_pool"))

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker(i + 1)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.active.Inc()
		t.run(id, time.Since(t.submittedAt))
		p.active.Dec()
	}
}

func (p *Pool) enqueue(ctx context.Context, t *task) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		<-p.slots
		return p.refuse(errClosed())
	}
	p.tasks <- t
	p.submitted.Inc()
	p.queued()
	return nil
}

// acquire takes a capacity slot. The pool lock is not held while waiting,
// so Close is never delayed by a pending submission.
func (p *Pool) acquire(ctx context.Context) error {
	select {
	case <-p.closing:
		return p.refuse(errClosed())
	default:
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	if p.cfg.EnqueueTimeout <= 0 {
		return p.refuse(&Error{
			Kind:    PoolRejected,
			Message: fmt.Sprintf("pool rejected task: queue full (%d workers busy, %d queued)", p.cfg.Workers, p.cfg.QueueDepth),
		})
	}

	timer := time.NewTimer(p.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return p.refuse(&Error{
			Kind:    PoolExhausted,
			Message: fmt.Sprintf("pool exhausted: no capacity within %s", p.cfg.EnqueueTimeout),
		})
	case <-p.closing:
		return p.refuse(errClosed())
	case <-ctx.Done():
		p.abandoned.Inc()
		return contextError(ctx)
	}
}

func errClosed() *Error {
	return &Error{Kind: PoolRejected, Message: "pool rejected task: pool is closed"}
}

func (p *Pool) queued() {
	if p.observer != nil {
		p.observer.TaskQueued(len(p.tasks))
	}
}

func (p *Pool) refuse(err *Error) error {
	switch err.Kind {
	case PoolExhausted:
		p.exhausted.Inc()
	default:
		p.rejected.Inc()
	}
	if p.observer != nil {
		p.observer.TaskRefused(err.Kind)
	}
	p.logger.Warn("task refused", zap.Stringer("kind", err.Kind), zap.String("reason", err.Message))
	return err
}

// finished releases the task's slot and records its outcome. It runs
// before the task's Future is completed.
func (p *Pool) finished(err error, wait, run time.Duration) {
	<-p.slots
	kind := "ok"
	if err != nil {
		p.panicked.Inc()
		kind = ComputationPanic.String()
	} else {
		p.completed.Inc()
	}
	if p.observer != nil {
		p.observer.TaskDone(kind, wait, run)
	}
}

// Close stops intake, lets queued tasks finish and waits for the workers
// or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pool drained", zap.Int64("completed", p.completed.Load()))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close pool: %w", ctx.Err())
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Rejected:  p.rejected.Load(),
		Exhausted: p.exhausted.Load(),
		Abandoned: p.abandoned.Load(),
	}
}

// Stats is a point-in-time snapshot. Submitted counts accepted tasks only;
// Abandoned counts callers whose ctx ended while waiting for capacity.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
	Rejected  int64 `json:"rejected"`
	Exhausted int64 `json:"exhausted"`
	Abandoned int64 `json:"abandoned"`
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
