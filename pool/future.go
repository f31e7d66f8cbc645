package pool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Future is the pending result of a submitted task. It is completed by
// exactly one worker; a Future nobody awaits is simply dropped.
type Future[T any] struct {
	done      chan struct{}
	value     T
	err       error
	worker    int
	queueWait time.Duration
	runTime   time.Duration
}

// Submit hands fn to the pool and returns without waiting for it to run.
// A panic inside fn is recovered on the worker and reported by Await as a
// ComputationPanic error.
func Submit[T any](ctx context.Context, p *Pool, fn func() T) (*Future[T], error) {
	f := &Future[T]{done: make(chan struct{})}
	t := &task{
		submittedAt: time.Now(),
		run: func(workerID int, queued time.Duration) {
			start := time.Now()
			f.worker = workerID
			f.queueWait = queued
			f.value, f.err = call(p.logger, fn)
			f.runTime = time.Since(start)
			p.finished(f.err, f.queueWait, f.runTime)
			close(f.done)
		},
	}
	if err := p.enqueue(ctx, t); err != nil {
		return nil, err
	}
	return f, nil
}

func call[T any](logger *zap.Logger, fn func() T) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stacktrace"))
			err = &Error{Kind: ComputationPanic, Message: fmt.Sprint(r)}
		}
	}()
	return fn(), nil
}

// Await blocks until the task completes or ctx ends. When ctx ends first
// the task still runs to completion and its result is discarded.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, contextError(ctx)
	}
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Info describes where and how long the task ran. Valid once Done is closed.
func (f *Future[T]) Info() TaskInfo {
	select {
	case <-f.done:
		return TaskInfo{Worker: f.worker, QueueWait: f.queueWait, RunTime: f.runTime}
	default:
		return TaskInfo{}
	}
}

type TaskInfo struct {
	Worker    int
	QueueWait time.Duration
	RunTime   time.Duration
}

// Do submits fn and waits for its result.
func Do[T any](ctx context.Context, p *Pool, fn func() T) (T, error) {
	f, err := Submit(ctx, p, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return f.Await(ctx)
}
