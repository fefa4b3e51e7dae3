package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/greenroomhq/greenroom/internal/metrics"
)

// DefaultPoolSize bounds background execution concurrency unless configured.
const DefaultPoolSize = 4

// poolQueueDepth is how many submitted jobs may wait for a worker before
// Submit blocks.
const poolQueueDepth = 128

// poolStopGrace bounds the final wait for worker goroutines after the pool
// abandoned in-flight work.
const poolStopGrace = 5 * time.Second

// ErrPoolClosed is returned by Submit once shutdown has started.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Job is a unit of background work. Its context is cancelled when the pool
// abandons in-flight work during shutdown.
type Job func(ctx context.Context)

// Pool runs submitted jobs on a fixed number of workers.
type Pool struct {
	size    int
	logger  *slog.Logger
	metrics *metrics.Metrics

	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	jobWg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool constructs a pool with size workers. size <= 0 falls back to
// DefaultPoolSize; metrics may be nil. Start must run before Submit.
func NewPool(size int, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		size:    size,
		logger:  logger,
		metrics: m,
		jobs:    make(chan Job, poolQueueDepth),
	}
}

// Start launches the workers. ctx bounds all job execution.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues a job, blocking while all workers are busy and the queue
// is full.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	if p.closed || p.ctx == nil {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.jobWg.Add(1)
	p.mu.Unlock()
	select {
	case p.jobs <- job:
		return nil
	case <-p.ctx.Done():
		p.jobWg.Done()
		return ErrPoolClosed
	}
}

// Shutdown stops accepting jobs, waits up to timeout for queued and running
// jobs to drain, then cancels whatever is still in flight.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed || p.ctx == nil {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.jobWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(timeout):
		p.logger.Warn("worker pool drain timed out, abandoning in-flight work")
	}
	p.cancel()

	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-time.After(poolStopGrace):
		return errors.New("workers did not stop in time")
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.runJob(job)
		}
	}
}

func (p *Pool) runJob(job Job) {
	defer p.jobWg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool job panicked", "panic", r)
		}
	}()
	if p.metrics != nil {
		p.metrics.ExecutionsInFlight.Inc()
		defer p.metrics.ExecutionsInFlight.Dec()
	}
	job(p.ctx)
}

// Dispatcher hands operations to the pool for background execution and
// keeps an in-process guard against submitting the same operation twice.
// It satisfies Executor, so callers cannot tell it from a synchronous one.
type Dispatcher struct {
	pool     *Pool
	executor Executor
	logger   *slog.Logger

	inFlight sync.Map // operation id -> struct{}
}

// NewDispatcher wraps executor with pool-backed fire-and-forget execution.
func NewDispatcher(pool *Pool, executor Executor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		executor: executor,
		logger:   logger,
	}
}

// Execute submits the operation and returns once it is queued. A submission
// for an operation already queued or running in this process is dropped.
func (d *Dispatcher) Execute(ctx context.Context, op *Operation) error {
	if _, loaded := d.inFlight.LoadOrStore(op.ID, struct{}{}); loaded {
		return nil
	}
	err := d.pool.Submit(func(jobCtx context.Context) {
		defer d.inFlight.Delete(op.ID)
		if err := d.executor.Execute(jobCtx, op); err != nil {
			d.logger.Error("execute operation", "operation_id", op.ID, "kind", op.Kind, "err", err)
		}
	})
	if err != nil {
		d.inFlight.Delete(op.ID)
		return err
	}
	return nil
}
