package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of WorkerPool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs step dispatches in the background with bounded
// concurrency. Tasks run on a context detached from the submitter, so a
// dispatch queued while handling a webhook outlives that request.
type WorkerPool struct {
	slots  chan struct{}
	stop   chan struct{}
	logger *slog.Logger

	// mu orders Add on inflight against Shutdown's Wait.
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		slots:  make(chan struct{}, max(size, 1)),
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Submit waits for a free slot, honoring ctx while waiting, then runs fn in
// its own goroutine. label identifies the task in logs.
func (p *WorkerPool) Submit(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go p.run(context.WithoutCancel(ctx), label, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, label string, fn func(ctx context.Context) error) {
	defer func() {
		p.active.Add(-1)
		<-p.slots
		p.inflight.Done()
	}()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	}()
	if err != nil {
		p.failed.Add(1)
		p.logger.WarnContext(ctx, "background task failed", "task", label, "error", err)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() { p.inflight.Wait() }

// Shutdown rejects new work and waits for running tasks. Safe to call twice.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.mu.Unlock()
	p.inflight.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
