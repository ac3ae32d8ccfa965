// Package concurrency provides the bounded worker pool that runs the
// pipeline's blocking work: snapshot saves, mining runs, maintenance
// sweeps. Inference stays on the caller's goroutine.
package concurrency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/habitushome/habitus/pkg/core"
)

// DefaultWorkers bounds the pool when the config does not.
const DefaultWorkers = 4

const defaultQueueDepth = 64

// Task is a unit of blocking work.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error

	result chan error
}

// Pool runs tasks on a fixed set of worker goroutines.
type Pool struct {
	logger *zap.Logger
	tasks  chan *Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	processed uint64
	dropped   uint64
	failed    uint64
	lastTask  time.Time
	closed    bool
}

// NewPool starts workers goroutines. workers <= 0 uses DefaultWorkers.
func NewPool(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger,
		tasks:  make(chan *Task, defaultQueueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case task := <-p.tasks:
			p.process(task)
		}
	}
}

// drain finishes queued tasks before the worker exits.
func (p *Pool) drain() {
	for {
		select {
		case task := <-p.tasks:
			p.process(task)
		default:
			return
		}
	}
}

func (p *Pool) process(task *Task) {
	p.mu.Lock()
	p.processed++
	p.lastTask = time.Now()
	p.mu.Unlock()

	err := task.Fn(p.ctx)
	if err != nil {
		p.mu.Lock()
		p.failed++
		p.mu.Unlock()
		p.logger.Warn("task failed", zap.String("task", task.Name), zap.Error(err))
	}
	if task.result != nil {
		task.result <- err
	}
}

// Submit queues a task and waits for it to finish. The caller's context
// cancels both the wait and the running task.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	if err := ctx.Err(); err != nil {
		return core.WrapError(core.CodeCancelled, "task not queued", err)
	}
	task.result = make(chan error, 1)

	inner := task.Fn
	task.Fn = func(poolCtx context.Context) error {
		runCtx, cancel := context.WithCancel(poolCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return inner(runCtx)
	}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		return core.WrapError(core.CodeCancelled, "task not queued", ctx.Err())
	case <-p.ctx.Done():
		return core.NewError(core.CodeCancelled, "pool shut down")
	}

	select {
	case err := <-task.result:
		return err
	case <-ctx.Done():
		return core.WrapError(core.CodeCancelled, "task abandoned", ctx.Err())
	}
}

// SubmitAsync queues a task without waiting. A full queue drops the task
// and reports false.
func (p *Pool) SubmitAsync(task *Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	select {
	case p.tasks <- task:
		return true
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.logger.Warn("task dropped, queue full", zap.String("task", task.Name))
		return false
	}
}

// Shutdown stops intake, lets workers drain the queue and waits for them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Stats returns pool counters.
func (p *Pool) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"processed":      p.processed,
		"failed":         p.failed,
		"dropped":        p.dropped,
		"queue_length":   len(p.tasks),
		"queue_capacity": cap(p.tasks),
	}
}
